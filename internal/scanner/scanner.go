// Package scanner implements on-demand UDP discovery of Tuya devices on the
// local network, with optional cloud enrichment of the results.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
	"golang.org/x/sys/unix"
)

const (
	datagramSize = 4048
	readQuantum  = time.Second
)

// Mode selects how scan results are published.
type Mode int

const (
	// ModeScan collects everything and publishes one merged object at the end.
	ModeScan Mode = iota
	// ModeScanGen streams each discovered device as a single-entry object.
	ModeScanGen
	// ModeScanGenAll streams the cumulative snapshot on every new device.
	ModeScanGenAll
)

func (m Mode) String() string {
	switch m {
	case ModeScanGen:
		return "scan_gen"
	case ModeScanGenAll:
		return "scan_gen_all"
	default:
		return "scan"
	}
}

// PublishFunc delivers a scan result document to the mode's response topic.
type PublishFunc func(topic string, payload any) error

// Scanner listens on the Tuya discovery ports and merges what it hears with
// cloud metadata and the persisted scan file.
type Scanner struct {
	log      *slog.Logger
	clock    clockwork.Clock
	reg      *registry.Registry
	cloud    tuya.CloudClient
	publish  PublishFunc
	topic    func(mode Mode) string
	scanTime atomic.Int64

	mu     sync.Mutex
	stopCh chan struct{}
}

func New(log *slog.Logger, clock clockwork.Clock, reg *registry.Registry, cloud tuya.CloudClient, publish PublishFunc, topic func(mode Mode) string) *Scanner {
	s := &Scanner{
		log:     log,
		clock:   clock,
		reg:     reg,
		cloud:   cloud,
		publish: publish,
		topic:   topic,
	}
	s.scanTime.Store(tuya.DefaultScanTime)
	return s
}

// SetScanTime overrides the scan duration in seconds for subsequent scans.
func (s *Scanner) SetScanTime(secs int) {
	if secs <= 0 {
		return
	}
	s.scanTime.Store(int64(secs))
	s.log.Info("Scan time updated", "seconds", secs)
}

// Stop ends a running scan at its next quantum. Safe to call when idle.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

type datagram struct {
	data []byte
	ip   string
}

// Run performs one scan in the given mode, publishing per the mode's policy
// and merging discoveries into the persisted scan file.
func (s *Scanner) Run(ctx context.Context, mode Mode) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return errors.New("scan already running")
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.stopCh == stopCh {
			s.stopCh = nil
		}
		s.mu.Unlock()
	}()

	conns, err := listenBroadcast(tuya.UDPPort, tuya.UDPPortS, tuya.UDPPortApp)
	if err != nil {
		return fmt.Errorf("bind discovery ports: %w", err)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	datagrams := make(chan datagram, 16)
	readErrs := make(chan error, len(conns))
	var wg sync.WaitGroup
	readersDone := make(chan struct{})
	for _, c := range conns {
		wg.Add(1)
		go func(c net.PacketConn) {
			defer wg.Done()
			s.read(c, datagrams, readersDone, readErrs)
		}(c)
	}
	defer func() {
		close(readersDone)
		wg.Wait()
	}()

	deadline := s.clock.After(time.Duration(s.scanTime.Load()) * time.Second)
	found := newResultSet()
	seenIPs := make(map[string]bool)

	s.log.Info("Scan started", "mode", mode.String(), "seconds", s.scanTime.Load())
	for {
		select {
		case <-ctx.Done():
			return s.finish(mode, found)
		case <-stopCh:
			s.log.Info("Scan stopped by request")
			return s.finish(mode, found)
		case <-deadline:
			return s.finish(mode, found)
		case err := <-readErrs:
			s.log.Error("Scan socket failed, ending scan", "error", err)
			return s.finish(mode, found)
		case dg := <-datagrams:
			rec, ok := s.decode(dg)
			if !ok || seenIPs[dg.ip] {
				continue
			}
			seenIPs[dg.ip] = true
			if s.reg.Known(rec.GwID()) {
				continue
			}
			s.enrich(ctx, rec)
			found.add(dg.ip, rec)
			switch mode {
			case ModeScanGen:
				one := newResultSet()
				one.add(dg.ip, rec)
				s.publishResult(mode, one)
			case ModeScanGenAll:
				s.publishResult(mode, found)
			}
		}
	}
}

// read pumps datagrams from one socket until the run ends. Short deadlines
// keep the goroutine responsive to shutdown; a fatal socket error is
// forwarded so the run loop can end the scan early.
func (s *Scanner) read(c net.PacketConn, out chan<- datagram, done <-chan struct{}, fatal chan<- error) {
	buf := make([]byte, datagramSize)
	for {
		select {
		case <-done:
			return
		default:
		}
		c.SetReadDeadline(time.Now().Add(readQuantum))
		n, addr, err := c.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, syscall.ENETUNREACH) {
				s.log.Error("Network unreachable during scan", "error", err)
			} else {
				s.log.Error("Scan socket error", "error", err)
			}
			select {
			case fatal <- err:
			default:
			}
			return
		}
		ip, _, _ := net.SplitHostPort(addr.String())
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- datagram{data: data, ip: ip}:
		case <-done:
			return
		}
	}
}

// decode decrypts and parses one discovery datagram. Records without a gwId
// are dropped; a MAC is derived from 20-hex-char ids when absent.
func (s *Scanner) decode(dg datagram) (registry.ScanRecord, bool) {
	plain, err := tuya.DecryptUDP(dg.data)
	if err != nil {
		s.log.Debug("Undecodable discovery datagram", "from", dg.ip, "error", err)
		return nil, false
	}
	var rec registry.ScanRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		s.log.Debug("Non-JSON discovery payload", "from", dg.ip, "error", err)
		return nil, false
	}
	id := rec.GwID()
	if id == "" {
		return nil, false
	}
	rec["id"] = id
	rec["ip"] = dg.ip
	rec["origin"] = "broadcast"
	rec["merge_with_cloud"] = false
	if mac, _ := rec["mac"].(string); mac == "" {
		if derived := DeriveMAC(id); derived != "" {
			rec["mac"] = derived
		}
	}
	s.log.Debug("Discovered device", "id", id, "ip", dg.ip)
	return rec, true
}

// enrich merges cloud metadata into a scan record. A cloud error document
// collapses the record to just the id plus the error fields.
func (s *Scanner) enrich(ctx context.Context, rec registry.ScanRecord) {
	if s.cloud == nil {
		return
	}
	id := rec.GwID()
	s.cloud.SetDeviceID(id)
	devices, err := s.cloud.GetDevices(ctx)
	if err != nil {
		doc := tuya.ErrorDocument(err)
		for k := range rec {
			if k != "gwId" {
				delete(rec, k)
			}
		}
		rec["id"] = id
		for k, v := range doc {
			rec[k] = v
		}
		return
	}
	for _, cd := range devices {
		if cd.ID != id {
			continue
		}
		rec["name"] = cd.Name
		rec["product_name"] = cd.ProductName
		if cd.MAC != "" {
			rec["mac"] = cd.MAC
		}
		rec["icon"] = cd.Icon
		rec["merge_with_cloud"] = true
		return
	}
}

func (s *Scanner) finish(mode Mode, found *resultSet) error {
	if mode == ModeScan {
		s.publishResult(mode, found)
	}
	if err := s.reg.MergeScan(found.byIP()); err != nil {
		s.log.Error("Failed to persist scan results", "error", err)
		return err
	}
	s.log.Info("Scan finished", "devices", found.len())
	return nil
}

func (s *Scanner) publishResult(mode Mode, rs *resultSet) {
	if err := s.publish(s.topic(mode), rs); err != nil {
		s.log.Error("Failed to publish scan result", "mode", mode.String(), "error", err)
	}
}

// DeriveMAC builds a colon-separated MAC from the trailing 12 hex chars of a
// 20-hex-char device id.
func DeriveMAC(id string) string {
	if len(id) != 20 || !isHex(id) {
		return ""
	}
	tail := id[8:]
	parts := make([]string, 0, 6)
	for i := 0; i < len(tail); i += 2 {
		parts = append(parts, tail[i:i+2])
	}
	return strings.Join(parts, ":")
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// listenBroadcast binds UDP listeners with SO_BROADCAST and SO_REUSEADDR set
// before bind, so app broadcasts on shared ports are received.
func listenBroadcast(ports ...int) ([]net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	conns := make([]net.PacketConn, 0, len(ports))
	for _, port := range ports {
		c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, open := range conns {
				open.Close()
			}
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// resultSet keeps scan records in insertion order so streamed snapshots and
// the final document list devices in discovery order.
type resultSet struct {
	ips  []string
	recs map[string]registry.ScanRecord
}

func newResultSet() *resultSet {
	return &resultSet{recs: make(map[string]registry.ScanRecord)}
}

func (rs *resultSet) add(ip string, rec registry.ScanRecord) {
	if _, ok := rs.recs[ip]; !ok {
		rs.ips = append(rs.ips, ip)
	}
	rs.recs[ip] = rec
}

func (rs *resultSet) len() int { return len(rs.ips) }

func (rs *resultSet) byIP() map[string]registry.ScanRecord {
	out := make(map[string]registry.ScanRecord, len(rs.recs))
	for ip, rec := range rs.recs {
		out[ip] = rec
	}
	return out
}

// MarshalJSON emits the records as an object keyed by IP, in insertion order.
func (rs *resultSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ip := range rs.ips {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ip)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(rs.recs[ip])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

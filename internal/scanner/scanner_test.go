package scanner

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

type fakeCloud struct {
	id      string
	devices []tuya.CloudDevice
	err     error
}

func (f *fakeCloud) SetDeviceID(ids string) { f.id = ids }

func (f *fakeCloud) GetDevices(context.Context) ([]tuya.CloudDevice, error) {
	return f.devices, f.err
}

func newScanner(t *testing.T, cloud tuya.CloudClient) *Scanner {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(log, clockwork.NewFakeClock(), nil,
		filepath.Join(dir, "devices.json"), filepath.Join(dir, "local_scan.json"))
	publish := func(string, any) error { return nil }
	topic := func(m Mode) string { return "test/" + m.String() }
	return New(log, clockwork.NewFakeClock(), reg, cloud, publish, topic)
}

func TestScanner_DeriveMAC(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		want string
	}{
		{name: "valid 20-hex id", id: "12345678aabbccddeeff", want: "aa:bb:cc:dd:ee:ff"},
		{name: "uppercase hex", id: "12345678AABBCCDDEEFF", want: "AA:BB:CC:DD:EE:FF"},
		{name: "too short", id: "12345678aabbcc", want: ""},
		{name: "too long", id: "12345678aabbccddeeff00", want: ""},
		{name: "non-hex", id: "bfg34567aabbccddeeff", want: ""},
		{name: "empty", id: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DeriveMAC(tt.id))
		})
	}
}

func TestScanner_ModeStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "scan", ModeScan.String())
	require.Equal(t, "scan_gen", ModeScanGen.String())
	require.Equal(t, "scan_gen_all", ModeScanGenAll.String())
}

func TestScanner_ResultSetMarshalsInDiscoveryOrder(t *testing.T) {
	t.Parallel()

	rs := newResultSet()
	rs.add("192.168.1.30", registry.ScanRecord{"gwId": "c"})
	rs.add("192.168.1.10", registry.ScanRecord{"gwId": "a"})
	rs.add("192.168.1.20", registry.ScanRecord{"gwId": "b"})
	// A repeat keeps the original position.
	rs.add("192.168.1.10", registry.ScanRecord{"gwId": "a2"})

	raw, err := rs.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t,
		`{"192.168.1.30":{"gwId":"c"},"192.168.1.10":{"gwId":"a2"},"192.168.1.20":{"gwId":"b"}}`,
		string(raw))
	require.Equal(t, 3, rs.len())
}

func TestScanner_DecodeDiscoveryDatagram(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)

	t.Run("plaintext broadcast", func(t *testing.T) {
		t.Parallel()
		rec, ok := s.decode(datagram{
			data: []byte(`{"gwId":"12345678aabbccddeeff","version":"3.1"}`),
			ip:   "192.168.1.20",
		})
		require.True(t, ok)
		require.Equal(t, "12345678aabbccddeeff", rec.GwID())
		// The record carries the documented envelope fields.
		require.Equal(t, "12345678aabbccddeeff", rec["id"])
		require.Equal(t, "192.168.1.20", rec["ip"])
		require.Equal(t, "broadcast", rec["origin"])
		require.Equal(t, false, rec["merge_with_cloud"])
		// A missing mac is derived from the id tail.
		require.Equal(t, "aa:bb:cc:dd:ee:ff", rec["mac"])
	})

	t.Run("existing mac kept", func(t *testing.T) {
		t.Parallel()
		rec, ok := s.decode(datagram{
			data: []byte(`{"gwId":"12345678aabbccddeeff","mac":"11:22:33:44:55:66"}`),
			ip:   "192.168.1.20",
		})
		require.True(t, ok)
		require.Equal(t, "11:22:33:44:55:66", rec["mac"])
	})

	t.Run("record without gwId dropped", func(t *testing.T) {
		t.Parallel()
		_, ok := s.decode(datagram{data: []byte(`{"ip":"192.168.1.20"}`), ip: "192.168.1.20"})
		require.False(t, ok)
	})

	t.Run("undecodable payload dropped", func(t *testing.T) {
		t.Parallel()
		_, ok := s.decode(datagram{data: []byte{0x01, 0x02, 0x03}, ip: "192.168.1.20"})
		require.False(t, ok)
	})
}

func TestScanner_EnrichMergesCloudMetadata(t *testing.T) {
	t.Parallel()

	cloud := &fakeCloud{devices: []tuya.CloudDevice{{
		ID:          "dev-a",
		Name:        "Bulb",
		ProductName: "RGB Bulb",
		MAC:         "11:22:33:44:55:66",
		Icon:        "smart/icon.png",
	}}}
	s := newScanner(t, cloud)

	rec := registry.ScanRecord{"gwId": "dev-a", "ip": "192.168.1.20"}
	s.enrich(context.Background(), rec)

	require.Equal(t, "dev-a", cloud.id)
	require.Equal(t, "Bulb", rec["name"])
	require.Equal(t, "RGB Bulb", rec["product_name"])
	require.Equal(t, "11:22:33:44:55:66", rec["mac"])
	require.Equal(t, true, rec["merge_with_cloud"])
}

func TestScanner_EnrichCollapsesOnCloudError(t *testing.T) {
	t.Parallel()

	cloud := &fakeCloud{err: tuya.NewError(tuya.ErrCloudToken, "bad credentials")}
	s := newScanner(t, cloud)

	rec := registry.ScanRecord{"gwId": "dev-a", "ip": "192.168.1.20", "version": "3.4"}
	s.enrich(context.Background(), rec)

	require.Equal(t, "dev-a", rec["gwId"])
	require.Equal(t, "dev-a", rec["id"])
	require.Equal(t, "911", rec["Err"])
	require.Equal(t, "Unable to Get Cloud Token", rec["Error"])
	require.NotContains(t, rec, "ip")
	require.NotContains(t, rec, "version")
}

// fatalConn fails every read with a fixed error.
type fatalConn struct {
	err error
}

func (c *fatalConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, c.err }
func (c *fatalConn) WriteTo([]byte, net.Addr) (int, error)  { return 0, nil }
func (c *fatalConn) Close() error                           { return nil }
func (c *fatalConn) LocalAddr() net.Addr                    { return &net.UDPAddr{} }
func (c *fatalConn) SetDeadline(time.Time) error            { return nil }
func (c *fatalConn) SetReadDeadline(time.Time) error        { return nil }
func (c *fatalConn) SetWriteDeadline(time.Time) error       { return nil }

func TestScanner_ReadSignalsFatalSocketError(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)
	out := make(chan datagram, 1)
	done := make(chan struct{})
	defer close(done)
	fatal := make(chan error, 1)

	s.read(&fatalConn{err: syscall.ENETUNREACH}, out, done, fatal)

	require.ErrorIs(t, <-fatal, syscall.ENETUNREACH)
}

func TestScanner_SetScanTimeIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)
	require.Equal(t, int64(tuya.DefaultScanTime), s.scanTime.Load())
	s.SetScanTime(0)
	s.SetScanTime(-5)
	require.Equal(t, int64(tuya.DefaultScanTime), s.scanTime.Load())
	s.SetScanTime(30)
	require.Equal(t, int64(30), s.scanTime.Load())
}

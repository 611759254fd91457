package tuya

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

var regionEndpoints = map[string]string{
	"cn": "https://openapi.tuyacn.com",
	"us": "https://openapi.tuyaus.com",
	"us-e": "https://openapi-ueaz.tuyaus.com",
	"eu": "https://openapi.tuyaeu.com",
	"eu-w": "https://openapi-weaz.tuyaeu.com",
	"in": "https://openapi.tuyain.com",
}

const (
	defaultCloudTimeout  = 10 * time.Second
	defaultCloudCacheTTL = 30 * time.Second
)

type OpenAPIConfig struct {
	APIKey    string
	APISecret string
	APIRegion string

	// CacheTTL bounds how long device metadata responses are reused across
	// scan merges. Zero means defaultCloudCacheTTL.
	CacheTTL time.Duration

	HTTPClient *http.Client
	Clock      clockwork.Clock
}

func (cfg *OpenAPIConfig) Validate() error {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.APIRegion == "" {
		return NewError(ErrCloudKey, "TUYA_API_KEY, TUYA_API_SECRET and TUYA_API_REGION are required")
	}
	if _, ok := regionEndpoints[cfg.APIRegion]; !ok {
		return NewError(ErrParams, fmt.Sprintf("unknown api region %q", cfg.APIRegion))
	}
	return nil
}

// OpenAPIClient is the CloudClient implementation against the Tuya OpenAPI.
// Requests are signed with the v2 HMAC-SHA256 scheme; device metadata is
// cached briefly so repeated scan merges do not hammer the cloud.
type OpenAPIClient struct {
	log      *slog.Logger
	cfg      OpenAPIConfig
	endpoint string
	http     *http.Client
	clock    clockwork.Clock

	mu        sync.Mutex
	deviceIDs string
	token     string
	tokenExp  time.Time

	cache *ttlcache.Cache[string, []CloudDevice]
}

func NewOpenAPIClient(log *slog.Logger, cfg OpenAPIConfig) (*OpenAPIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultCloudTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCloudCacheTTL
	}
	return &OpenAPIClient{
		log:      log,
		cfg:      cfg,
		endpoint: regionEndpoints[cfg.APIRegion],
		http:     cfg.HTTPClient,
		clock:    cfg.Clock,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []CloudDevice](ttl),
		),
	}, nil
}

func (c *OpenAPIClient) SetDeviceID(ids string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceIDs = ids
}

func (c *OpenAPIClient) GetDevices(ctx context.Context) ([]CloudDevice, error) {
	c.mu.Lock()
	ids := c.deviceIDs
	c.mu.Unlock()
	if ids == "" {
		return nil, NewError(ErrParams, "no device ids set")
	}

	if item := c.cache.Get(ids); item != nil {
		return item.Value(), nil
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Result []CloudDevice `json:"result"`
	}
	uri := "/v1.1/iot-03/devices?device_ids=" + ids
	if err := c.request(ctx, token, uri, &listResp); err != nil {
		return nil, err
	}

	devices := listResp.Result
	for i := range devices {
		mapping, err := c.getSpecification(ctx, token, devices[i].ID)
		if err != nil {
			c.log.Warn("Failed to fetch DP specification", "device", devices[i].ID, "error", err)
			continue
		}
		devices[i].Mapping = mapping
	}

	c.cache.Set(ids, devices, ttlcache.DefaultTTL)
	return devices, nil
}

func (c *OpenAPIClient) getSpecification(ctx context.Context, token, devID string) (map[string]DPEntry, error) {
	var specResp struct {
		Result struct {
			Status []struct {
				DPID   json.Number `json:"dp_id"`
				Code   string      `json:"code"`
				Type   string      `json:"type"`
				Values string      `json:"values"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := c.request(ctx, token, "/v1.1/devices/"+devID+"/specifications", &specResp); err != nil {
		return nil, err
	}
	mapping := make(map[string]DPEntry, len(specResp.Result.Status))
	for _, st := range specResp.Result.Status {
		var values DPValues
		if st.Values != "" {
			// values is a JSON document embedded as a string
			_ = json.Unmarshal([]byte(st.Values), &values)
		}
		mapping[st.DPID.String()] = DPEntry{Code: st.Code, Type: st.Type, Values: values}
	}
	return mapping, nil
}

func (c *OpenAPIClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.clock.Now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	var tokenResp struct {
		Success bool `json:"success"`
		Result  struct {
			AccessToken string `json:"access_token"`
			ExpireTime  int64  `json:"expire_time"`
		} `json:"result"`
		Msg string `json:"msg"`
	}
	if err := c.request(ctx, "", "/v1.0/token?grant_type=1", &tokenResp); err != nil {
		return "", WrapError(ErrCloudToken, err)
	}
	if !tokenResp.Success || tokenResp.Result.AccessToken == "" {
		return "", NewError(ErrCloudToken, tokenResp.Msg)
	}

	c.mu.Lock()
	c.token = tokenResp.Result.AccessToken
	c.tokenExp = c.clock.Now().Add(time.Duration(tokenResp.Result.ExpireTime) * time.Second / 2)
	c.mu.Unlock()
	return tokenResp.Result.AccessToken, nil
}

func (c *OpenAPIClient) request(ctx context.Context, token, uri string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+uri, nil)
	if err != nil {
		return WrapError(ErrParams, err)
	}
	c.sign(req, token, uri)

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapError(ErrConnect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(ErrCloudResp, err)
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(ErrCloud, fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	}

	var envelope struct {
		Success *bool  `json:"success"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WrapError(ErrCloudResp, err)
	}
	if envelope.Success != nil && !*envelope.Success {
		return NewError(ErrCloud, fmt.Sprintf("code %d: %s", envelope.Code, envelope.Msg))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return WrapError(ErrCloudResp, err)
	}
	return nil
}

// sign applies the Tuya OpenAPI v2 signature: HMAC-SHA256 over
// client_id [+ access_token] + timestamp + stringToSign.
func (c *OpenAPIClient) sign(req *http.Request, token, uri string) {
	ts := fmt.Sprintf("%d", c.clock.Now().UnixMilli())

	bodyHash := sha256.Sum256(nil)
	stringToSign := strings.Join([]string{
		req.Method,
		hex.EncodeToString(bodyHash[:]),
		"",
		uri,
	}, "\n")

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(c.cfg.APIKey + token + ts + stringToSign))
	signature := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	req.Header.Set("client_id", c.cfg.APIKey)
	req.Header.Set("t", ts)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("sign", signature)
	if token != "" {
		req.Header.Set("access_token", token)
	}
}

// Package octopus reads live smart-meter demand from the Octopus Energy
// GraphQL API.
package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbocsi/wattstream/proto"
)

const (
	DefaultBaseURL = "https://api.octopus.energy/v1/graphql/"

	// Kraken error code for "Too many requests".
	codeTooManyRequests = "KT-CT-1199"

	tokenLifetime  = time.Hour
	rateLimitPause = 5 * time.Minute
	telemetrySpan  = 20 * time.Second
)

var (
	// ErrTooManyRequests is returned when the API rate limited us. Requests
	// are paused for a few minutes afterwards.
	ErrTooManyRequests = errors.New("too many requests")
	// ErrSkippingRequest is returned instead of calling the API while paused.
	ErrSkippingRequest = errors.New("skipping API request because too many requests")
)

type Config struct {
	APIKey        string
	AccountNumber string
	BaseURL       string
	RatePerMinute float64
	HTTPClient    *http.Client
}

// Client holds the Kraken tokens and the smart meter device id between calls.
// It is safe for concurrent use; calls are serialised.
type Client struct {
	baseURL       string
	apiKey        string
	accountNumber string
	http          *http.Client
	limiter       *rate.Limiter
	now           func() time.Time

	mu               sync.Mutex
	token            string
	tokenExpiresAt   time.Time
	refreshToken     string
	refreshExpiresAt time.Time
	deviceID         string
	retryAfter       time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		accountNumber: cfg.AccountNumber,
		http:          cfg.HTTPClient,
		// A cold LiveConsumption needs token, account and telemetry calls.
		limiter: rate.NewLimiter(limit, 3),
		now:     time.Now,
	}
}

type KrakenError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorCode        string `json:"errorCode"`
		ErrorType        string `json:"errorType"`
		ErrorDescription string `json:"errorDescription"`
	} `json:"extensions"`
}

type queryBody struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// LiveConsumption returns the most recent smart meter reading.
func (c *Client) LiveConsumption(ctx context.Context) (proto.ConsumptionReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.obtainDeviceID(ctx); err != nil {
		return proto.ConsumptionReading{}, fmt.Errorf("get live consumption: %w", err)
	}

	now := c.now()
	var data struct {
		SmartMeterTelemetry []struct {
			ReadAt time.Time `json:"readAt"`
			// Floats encoded as strings, always whole numbers in practice
			Consumption string `json:"consumption"`
			Demand      string `json:"demand"`
		} `json:"smartMeterTelemetry"`
	}
	err := c.query(ctx, "SmartMeterTelemetry", `query SmartMeterTelemetry($deviceId: String!, $start: DateTime!, $end: DateTime!) {
		smartMeterTelemetry(deviceId: $deviceId, grouping: TEN_SECONDS, start: $start, end: $end) {
			readAt
			consumption
			demand
		}
	}`, map[string]any{
		"deviceId": c.deviceID,
		"start":    now.Add(-telemetrySpan).Format(time.RFC3339),
		"end":      now.Format(time.RFC3339),
	}, true, &data)
	if err != nil {
		return proto.ConsumptionReading{}, fmt.Errorf("get live consumption: %w", err)
	}

	if len(data.SmartMeterTelemetry) == 0 {
		return proto.ConsumptionReading{}, errors.New("get live consumption: no electricity meter readings found")
	}
	latest := data.SmartMeterTelemetry[len(data.SmartMeterTelemetry)-1]

	demand, err := strconv.ParseFloat(latest.Demand, 64)
	if err != nil {
		return proto.ConsumptionReading{}, fmt.Errorf("decode demand %q: %w", latest.Demand, err)
	}
	reading := proto.NewReading(latest.ReadAt, demand)
	if latest.Consumption != "" {
		consumption, err := strconv.ParseFloat(latest.Consumption, 64)
		if err != nil {
			return proto.ConsumptionReading{}, fmt.Errorf("decode consumption %q: %w", latest.Consumption, err)
		}
		reading.TotalConsumption = consumption
	}
	return reading, nil
}

func (c *Client) hasValidToken() bool {
	if c == nil || c.token == "" {
		return false
	}
	return c.now().Before(c.tokenExpiresAt)
}

func (c *Client) hasValidRefreshToken() bool {
	if c == nil || c.refreshToken == "" {
		return false
	}
	return c.now().Before(c.refreshExpiresAt)
}

// authenticate makes sure a valid Kraken token is held, refreshing it or
// starting over from the API key as needed.
func (c *Client) authenticate(ctx context.Context) error {
	if c.hasValidToken() {
		return nil
	}

	if c.hasValidRefreshToken() {
		err := c.obtainKrakenToken(ctx, map[string]any{"refreshToken": c.refreshToken})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTooManyRequests) || errors.Is(err, ErrSkippingRequest) {
			return err
		}
		slog.Warn("Refreshing Kraken token failed, falling back to API key", "error", err)
	}

	if c.apiKey == "" {
		return errors.New("no API key available; set octopus.api_key or OCTOPUS_API_KEY")
	}
	return c.obtainKrakenToken(ctx, map[string]any{"APIKey": c.apiKey})
}

func (c *Client) obtainKrakenToken(ctx context.Context, input map[string]any) error {
	var data struct {
		ObtainKrakenToken *struct {
			Token            string `json:"token"`
			RefreshToken     string `json:"refreshToken"`
			RefreshExpiresIn int64  `json:"refreshExpiresIn"` // unix timestamp despite the name
		} `json:"obtainKrakenToken"`
	}
	err := c.query(ctx, "ObtainKrakenToken", `mutation ObtainKrakenToken($input: ObtainJSONWebTokenInput!) {
		obtainKrakenToken(input: $input) {
			token
			refreshToken
			refreshExpiresIn
		}
	}`, map[string]any{"input": input}, false, &data)
	if err != nil {
		return fmt.Errorf("obtain Kraken token: %w", err)
	}
	if data.ObtainKrakenToken == nil {
		return errors.New("obtain Kraken token: empty response")
	}

	c.token = data.ObtainKrakenToken.Token
	c.tokenExpiresAt = c.now().Add(tokenLifetime)
	c.refreshToken = data.ObtainKrakenToken.RefreshToken
	c.refreshExpiresAt = time.Unix(data.ObtainKrakenToken.RefreshExpiresIn, 0)
	return nil
}

// obtainDeviceID looks up the smart import meter of the account once.
func (c *Client) obtainDeviceID(ctx context.Context) error {
	if c.deviceID != "" {
		return nil
	}
	if c.accountNumber == "" {
		return errors.New("no account number available; set octopus.account_number or OCTOPUS_ACCOUNT_NUMBER")
	}

	var data struct {
		Account *struct {
			ElectricityAgreements []struct {
				MeterPoint struct {
					Meters []struct {
						SmartImportElectricityMeter *struct {
							DeviceID string `json:"deviceId"`
						} `json:"smartImportElectricityMeter"`
					} `json:"meters"`
				} `json:"meterPoint"`
			} `json:"electricityAgreements"`
		} `json:"account"`
	}
	err := c.query(ctx, "Account", `query Account($accountNumber: String!) {
		account(accountNumber: $accountNumber) {
			electricityAgreements(active: true) {
				meterPoint {
					meters(includeInactive: false) {
						smartImportElectricityMeter {
							deviceId
						}
					}
				}
			}
		}
	}`, map[string]any{"accountNumber": c.accountNumber}, true, &data)
	if err != nil {
		return fmt.Errorf("get smart meter ID: %w", err)
	}

	if data.Account == nil || len(data.Account.ElectricityAgreements) == 0 {
		return errors.New("no electricity agreements found")
	}
	meters := data.Account.ElectricityAgreements[0].MeterPoint.Meters
	if len(meters) == 0 || meters[0].SmartImportElectricityMeter == nil {
		return errors.New("no electricity meters found")
	}

	c.deviceID = meters[0].SmartImportElectricityMeter.DeviceID
	slog.Info("Found smart meter", "device_id", c.deviceID)
	return nil
}

// query posts one GraphQL operation and decodes its data into out. With auth
// set the Kraken token is obtained first and sent with the request.
func (c *Client) query(ctx context.Context, name, query string, variables map[string]any, auth bool, out any) error {
	if c.now().Before(c.retryAfter) {
		return ErrSkippingRequest
	}
	if auth {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(queryBody{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if auth {
		request.Header.Set("Authorization", c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	slog.Debug("Octopus query returned", "query", name, "status", response.StatusCode)

	responseBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []KrakenError   `json:"errors"`
	}
	if err := json.Unmarshal(responseBytes, &envelope); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", name, response.StatusCode, err)
	}
	if len(envelope.Errors) > 0 {
		return c.handleErrors(envelope.Errors)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", name, response.StatusCode)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%s returned no data", name)
	}
	return json.Unmarshal(envelope.Data, out)
}

// handleErrors folds API errors into one error. A rate limit error pauses
// all requests for a few minutes and is returned as ErrTooManyRequests.
func (c *Client) handleErrors(errs []KrakenError) error {
	if len(errs) == 0 {
		return nil
	}

	var sb strings.Builder
	for i, e := range errs {
		if e.Extensions.ErrorCode == codeTooManyRequests {
			c.retryAfter = c.now().Add(rateLimitPause)
			slog.Warn("Octopus API rate limit hit, pausing requests", "until", c.retryAfter)
			return ErrTooManyRequests
		}

		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Extensions.ErrorCode)
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	return errors.New(sb.String())
}

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"MBackend/logger"
)

const gcmSendRetries = 3

// KeyFunc supplies the current server API key so key rotation through the
// backend configuration takes effect without a restart.
type KeyFunc func(ctx context.Context) (string, error)

// GCMGateway talks to the Android push service over its HTTP JSON
// endpoint.
type GCMGateway struct {
	url    string
	key    KeyFunc
	client *http.Client
}

func NewGCMGateway(url string, key KeyFunc) *GCMGateway {
	return &GCMGateway{
		url:    url,
		key:    key,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type gcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Data            map[string]string `json:"data,omitempty"`
}

type gcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers one message to one device, retrying transient failures.
func (g *GCMGateway) Send(ctx context.Context, token string, msg Message) (Result, error) {
	key, err := g.key(ctx)
	if err != nil {
		return Result{Token: token}, err
	}

	data := map[string]string{"alert": msg.Alert}
	for k, v := range msg.Data {
		data[k] = v
	}
	body, err := json.Marshal(gcmRequest{RegistrationIDs: []string{token}, Data: data})
	if err != nil {
		return Result{Token: token}, err
	}

	var lastErr error
	for attempt := 0; attempt < gcmSendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second << uint(attempt-1)):
			case <-ctx.Done():
				return Result{Token: token}, ctx.Err()
			}
		}
		res, err := g.post(ctx, key, body)
		if err == nil {
			return g.classify(token, res), nil
		}
		lastErr = err
		logger.Warnf("gcm send attempt %d: %v", attempt+1, err)
	}
	return Result{Token: token}, errors.Wrap(lastErr, "gcm send")
}

func (g *GCMGateway) post(ctx context.Context, key string, body []byte) (*gcmResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+key)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errors.Errorf("gcm status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("gcm status %d: %s", resp.StatusCode, b)
	}
	var out gcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "gcm response")
	}
	return &out, nil
}

func (g *GCMGateway) classify(token string, res *gcmResponse) Result {
	if len(res.Results) == 0 {
		return Result{Token: token, OK: res.Failure == 0}
	}
	r := res.Results[0]
	switch r.Error {
	case "":
		return Result{Token: token, OK: true}
	case "NotRegistered", "InvalidRegistration":
		return Result{Token: token, Status: StatusInvalidToken, Err: errors.New(r.Error)}
	default:
		return Result{Token: token, Err: errors.New(r.Error)}
	}
}

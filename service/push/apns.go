package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"MBackend/logger"
)

// provider tokens are valid for an hour, refresh well before that
const apnsTokenRefresh = 50 * time.Minute

// APNSConfig carries the provider-authentication credentials for the iOS
// push service.
type APNSConfig struct {
	Host    string
	KeyID   string
	TeamID  string
	Topic   string
	Timeout time.Duration
}

// APNSGateway sends over the HTTP/2 provider API with ES256 provider
// tokens. It also records tokens the platform rejects as unregistered and
// hands them out through Feedback.
type APNSGateway struct {
	cfg    APNSConfig
	key    *ecdsa.PrivateKey
	client *http.Client

	mu       sync.Mutex
	bearer   string
	issued   time.Time
	inactive []string
}

func NewAPNSGateway(cfg APNSConfig, keyPEM []byte) (*APNSGateway, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "apns signing key")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	tr := &http2.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	return &APNSGateway{
		cfg:    cfg,
		key:    key,
		client: &http.Client{Transport: tr, Timeout: cfg.Timeout},
	}, nil
}

type apnsPayload struct {
	APS struct {
		Alert string `json:"alert"`
	} `json:"aps"`
	Message string `json:"message,omitempty"`
}

type apnsError struct {
	Reason string `json:"reason"`
}

// SendBatch posts the message to every token. A nil error with per-token
// failures means the platform was reachable; a non-nil error means nothing
// was attempted past the failing point and the batch should be retried.
func (g *APNSGateway) SendBatch(ctx context.Context, tokens []string, msg Message) ([]Result, error) {
	bearer, err := g.providerToken()
	if err != nil {
		return nil, err
	}

	var p apnsPayload
	p.APS.Alert = "You receive a message"
	p.Message = msg.Alert
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(tokens))
	for _, tok := range tokens {
		r, err := g.sendOne(ctx, bearer, tok, body)
		if err != nil {
			return nil, errors.Wrapf(err, "apns send to %s", tok)
		}
		if r.Status == StatusInvalidToken {
			g.recordInactive(tok)
		}
		results = append(results, r)
	}
	return results, nil
}

func (g *APNSGateway) sendOne(ctx context.Context, bearer, token string, body []byte) (Result, error) {
	url := "https://" + g.cfg.Host + "/3/device/" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", g.cfg.Topic)
	req.Header.Set("apns-push-type", "alert")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{Token: token, OK: true}, nil
	case resp.StatusCode == http.StatusGone:
		return Result{Token: token, Status: StatusInvalidToken, Err: errors.New("unregistered")}, nil
	}

	var ae apnsError
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = json.Unmarshal(b, &ae)
	if ae.Reason == "Unregistered" || ae.Reason == "BadDeviceToken" {
		return Result{Token: token, Status: StatusInvalidToken, Err: errors.New(ae.Reason)}, nil
	}
	if resp.StatusCode >= 500 {
		return Result{}, errors.Errorf("apns status %d: %s", resp.StatusCode, ae.Reason)
	}
	return Result{Token: token, Err: errors.Errorf("apns status %d: %s", resp.StatusCode, ae.Reason)}, nil
}

// Feedback drains the tokens rejected as unregistered since the last call.
func (g *APNSGateway) Feedback(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.inactive
	g.inactive = nil
	return out, nil
}

func (g *APNSGateway) recordInactive(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.inactive {
		if t == token {
			return
		}
	}
	g.inactive = append(g.inactive, token)
	logger.Infof("apns flagged inactive token %s", token)
}

func (g *APNSGateway) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bearer != "" && time.Since(g.issued) < apnsTokenRefresh {
		return g.bearer, nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": g.cfg.TeamID,
		"iat": time.Now().Unix(),
	})
	tok.Header["kid"] = g.cfg.KeyID
	signed, err := tok.SignedString(g.key)
	if err != nil {
		return "", errors.Wrap(err, "sign provider token")
	}
	g.bearer = signed
	g.issued = time.Now()
	return signed, nil
}

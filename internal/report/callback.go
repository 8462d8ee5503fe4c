package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/stepd/internal/log"
	"github.com/mattjoyce/stepd/internal/protocol"
)

// SignatureHeader carries the HMAC of a signed callback body.
const SignatureHeader = "X-Stepd-Signature-256"

// HTTPCallback POSTs the report as JSON to the request's reply_to URL.
// Reports without a reply_to address are skipped.
type HTTPCallback struct {
	client *http.Client
	secret string
	logger *slog.Logger
}

func NewHTTPCallback(timeout time.Duration, secret string) *HTTPCallback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCallback{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		logger: log.WithComponent("report"),
	}
}

func (c *HTTPCallback) Report(ctx context.Context, rep *protocol.StepReport) error {
	if rep == nil || rep.ReplyTo == "" {
		return nil
	}
	u, err := url.Parse(rep.ReplyTo)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("reply_to %q is not an http(s) url", rep.ReplyTo)
	}

	var body bytes.Buffer
	if err := protocol.EncodeReport(&body, rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body.Bytes(), c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver report %s: %w", rep.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver report %s: reply_to answered %s", rep.ID, resp.Status)
	}
	c.logger.Debug("report delivered", "id", rep.ID, "reply_to", u.Redacted())
	return nil
}

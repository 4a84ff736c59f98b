package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/2beens/pushtrack/internal/challenge"
	"github.com/2beens/pushtrack/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	brevoSendEndpoint = "https://api.brevo.com/v3/smtp/email"
	sendTimeout       = 15 * time.Second
)

// Notifier sends challenge emails. Sends are best-effort: failures are
// logged and never surface to the caller.
type Notifier interface {
	ChallengeCreated(ctx context.Context, c *challenge.Challenge)
	ChallengeLink(ctx context.Context, email string, c *challenge.Challenge)
}

// BrevoNotifier sends transactional emails through the Brevo API. All
// sends run in the background so a slow email provider never delays an
// API response.
type BrevoNotifier struct {
	apiKey      string
	senderName  string
	senderEmail string
	appBaseURL  string
	endpoint    string
	httpClient  *http.Client
	metrics     *metrics.Manager

	wg sync.WaitGroup
}

func NewBrevoNotifier(
	apiKey string,
	senderName string,
	senderEmail string,
	appBaseURL string,
	metrics *metrics.Manager,
) *BrevoNotifier {
	return &BrevoNotifier{
		apiKey:      apiKey,
		senderName:  senderName,
		senderEmail: senderEmail,
		appBaseURL:  appBaseURL,
		endpoint:    brevoSendEndpoint,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   sendTimeout,
		},
		metrics: metrics,
	}
}

func (n *BrevoNotifier) ChallengeCreated(_ context.Context, c *challenge.Challenge) {
	n.sendAsync(c.Email,
		"Your challenge has started 💪",
		fmt.Sprintf(
			"<p>Your %d day challenge is on! Keep this link safe, it is the only way back in:</p><p><a href=%q>%s</a></p>",
			c.Duration, n.challengeLink(c), n.challengeLink(c),
		),
	)
}

func (n *BrevoNotifier) ChallengeLink(_ context.Context, email string, c *challenge.Challenge) {
	n.sendAsync(email,
		"Your challenge link",
		fmt.Sprintf(
			"<p>Here is the link to your challenge:</p><p><a href=%q>%s</a></p>",
			n.challengeLink(c), n.challengeLink(c),
		),
	)
}

// Wait blocks until all in-flight sends are done. Used on shutdown and
// in tests.
func (n *BrevoNotifier) Wait() {
	n.wg.Wait()
}

func (n *BrevoNotifier) challengeLink(c *challenge.Challenge) string {
	return n.appBaseURL + "/challenge/" + c.ID
}

func (n *BrevoNotifier) sendAsync(toEmail, subject, htmlContent string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// detached from the request context on purpose
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.send(ctx, toEmail, subject, htmlContent); err != nil {
			log.Errorf("send email [%s]: %s", subject, err)
			return
		}
		n.metrics.CounterEmailsSent.Inc()
	}()
}

type brevoParty struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type brevoSendRequest struct {
	Sender      brevoParty   `json:"sender"`
	To          []brevoParty `json:"to"`
	Subject     string       `json:"subject"`
	HTMLContent string       `json:"htmlContent"`
}

func (n *BrevoNotifier) send(ctx context.Context, toEmail, subject, htmlContent string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:      brevoParty{Name: n.senderName, Email: n.senderEmail},
		To:          []brevoParty{{Email: toEmail}},
		Subject:     subject,
		HTMLContent: htmlContent,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", n.apiKey)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do send request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected email api response %d: %s", resp.StatusCode, respBody)
	}

	log.Debugf("email [%s] sent", subject)
	return nil
}

// NoopNotifier is used when no email provider is configured, e.g. in
// local development.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) ChallengeCreated(_ context.Context, c *challenge.Challenge) {
	log.Debugf("noop notifier, challenge created: %s", c.ID)
}

func (n *NoopNotifier) ChallengeLink(_ context.Context, email string, c *challenge.Challenge) {
	log.Debugf("noop notifier, challenge link for %s: %s", email, c.ID)
}

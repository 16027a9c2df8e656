// Package talkback is the HTTPS origin. It periodically fetches a remote
// command queue (a ThingSpeak-style TalkBack endpoint) and posts replies
// back through an update URL.
package talkback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	submitTimeout = time.Second
	maxBody       = 4096
)

// Config describes the remote endpoints.
type Config struct {
	ReadURL      string
	UpdateURL    string // %d is replaced with the reply value
	PollInterval time.Duration
	Timeout      time.Duration
	RateLimit    float64 // update requests per second
	Client       *http.Client
}

// Poller fetches commands over HTTPS.
type Poller struct {
	cfg     Config
	client  *http.Client
	inbox   core.CommandChannel
	replies core.ReplyChannel
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New creates a poller submitting to inbox.
func New(cfg Config, inbox core.CommandChannel) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		inbox:   inbox,
		replies: core.NewReplyChannel(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:     logging.For("https"),
	}
}

// Replies is the sink to register with the dispatcher for OriginHTTPS.
func (p *Poller) Replies() core.ReplyChannel { return p.replies }

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Infof("Polling %s every %s.", p.cfg.ReadURL, p.cfg.PollInterval)
	go p.writeReplies(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warn("Command poll failed.")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch. A body containing a command token is submitted.
func (p *Poller) Poll(ctx context.Context) error {
	body, err := p.get(ctx, p.cfg.ReadURL)
	if err != nil {
		return err
	}

	if !strings.Contains(body, "CMD_") {
		p.log.Debug("No new commands.")
		return nil
	}

	kind := core.ParseKind(body)
	p.log.Infof("Received new command %s.", kind)
	cmd := core.Command{Origin: core.OriginHTTPS, Kind: kind}
	if err := core.Submit(ctx, p.inbox, cmd, submitTimeout); err != nil {
		return fmt.Errorf("queue %s: %w", kind, err)
	}
	return nil
}

func (p *Poller) writeReplies(ctx context.Context) {
	for {
		r, ok := core.ReadReply(ctx, p.replies, 0)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err := p.update(ctx, r); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warnf("Could not post reply %s.", r)
		}
	}
}

func (p *Poller) update(ctx context.Context, r core.Reply) error {
	if p.cfg.UpdateURL == "" {
		p.log.Infof("Reply %s (no update URL configured).", r)
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	value := int(r.Kind)
	if r.IsSlaveState {
		value = int(r.SlaveState)
	}
	_, err := p.get(ctx, strings.Replace(p.cfg.UpdateURL, "%d", fmt.Sprint(value), 1))
	if err == nil {
		p.log.Infof("Posted reply %s.", r)
	}
	return err
}

func (p *Poller) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return string(data), nil
}

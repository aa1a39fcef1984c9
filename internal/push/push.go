// Package push drives the page's Firebase messaging client: permission,
// registration token and received messages. Delivery goes straight to the
// page's Web Push subscription, signed with the VAPID key pair the page
// subscribed with.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

// Source says where a received message was observed.
type Source string

const (
	Foreground Source = "foreground"
	Background Source = "background"
)

// Handler is called once per newly observed message.
type Handler func(sessionID string, n scenario.Notification)

// Provider is shared by every scenario of a process. Its configuration is
// validated and its page scripts built exactly once.
type Provider struct {
	cfg    config.PushConfig
	client *http.Client
	logger *zap.Logger

	once    sync.Once
	initErr error
	scripts scripts

	mu         sync.Mutex
	seen       map[string]map[Source]int
	foreground []Handler
	background []Handler
}

type scripts struct {
	permission   string
	token        string
	subscription string
	received     string
}

func New(cfg config.PushConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		seen:   make(map[string]map[Source]int),
	}
}

// firebaseConfig is the object handed to initializeApp.
type firebaseConfig struct {
	APIKey            string `json:"apiKey"`
	AuthDomain        string `json:"authDomain,omitempty"`
	ProjectID         string `json:"projectId"`
	StorageBucket     string `json:"storageBucket,omitempty"`
	MessagingSenderID string `json:"messagingSenderId"`
	AppID             string `json:"appId"`
}

func (p *Provider) init() error {
	p.once.Do(func() {
		c := p.cfg
		var missing []string
		for name, v := range map[string]string{
			"apiKey": c.APIKey, "projectId": c.ProjectID, "messagingSenderId": c.MessagingSenderID,
			"appId": c.AppID, "vapidKey": c.VAPIDKey,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			p.initErr = errs.New(errs.TokenUnavailable, "push configuration incomplete: missing %s", strings.Join(missing, ", "))
			return
		}
		fb, err := json.Marshal(firebaseConfig{
			APIKey: c.APIKey, AuthDomain: c.AuthDomain, ProjectID: c.ProjectID,
			StorageBucket: c.StorageBucket, MessagingSenderID: c.MessagingSenderID, AppID: c.AppID,
		})
		if err != nil {
			p.initErr = errs.Wrap(errs.Internal, err, "encode firebase config")
			return
		}
		p.scripts = buildScripts(string(fb), c.VAPIDKey, c.SDKVersion)
		p.logger.Info("push provider initialised", zap.String("project", c.ProjectID))
	})
	return p.initErr
}

func buildScripts(firebase, vapidKey, sdk string) scripts {
	if sdk == "" {
		sdk = "10.12.2"
	}
	vapid, _ := json.Marshal(vapidKey)
	token := `(async () => {
  if (!window.__scryPush) {
    const base = "https://www.gstatic.com/firebasejs/` + sdk + `/";
    const app = await import(base + "firebase-app.js");
    const m = await import(base + "firebase-messaging.js");
    const messaging = m.getMessaging(app.initializeApp(` + firebase + `, "scryrun"));
    const state = { messaging, getToken: m.getToken, received: [] };
    m.onMessage(messaging, (p) => {
      const n = p.notification || {};
      state.received.push({ title: n.title || "", body: n.body || "" });
    });
    window.__scryPush = state;
  }
  const s = window.__scryPush;
  return (await s.getToken(s.messaging, { vapidKey: ` + string(vapid) + ` })) || "";
})()`
	return scripts{
		permission: `Notification.requestPermission()`,
		token:      token,
		subscription: `(async () => {
  if (!navigator.serviceWorker) return null;
  for (const r of await navigator.serviceWorker.getRegistrations()) {
    const s = await r.pushManager.getSubscription();
    if (s) return s.toJSON();
  }
  return null;
})()`,
		received: `(async () => {
  const out = { foreground: (window.__scryPush && window.__scryPush.received) || [], background: [] };
  if (navigator.serviceWorker) {
    for (const r of await navigator.serviceWorker.getRegistrations()) {
      for (const n of await r.getNotifications()) out.background.push({ title: n.title, body: n.body || "" });
    }
  }
  return out;
})()`,
	}
}

// OnForegroundMessage registers h for messages the page handled while
// focused.
func (p *Provider) OnForegroundMessage(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.foreground = append(p.foreground, h)
}

// OnBackgroundMessage registers h for notifications shown by the service
// worker.
func (p *Provider) OnBackgroundMessage(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.background = append(p.background, h)
}

func origin(ctx context.Context, s driver.Session) (string, error) {
	raw, err := s.URL(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", errs.New(errs.TokenUnavailable, "page has no origin to grant notifications for (%q)", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// RequestPermission grants the notifications permission to the page's
// origin and asks the page for it.
func (p *Provider) RequestPermission(ctx context.Context, s driver.Session) (bool, error) {
	if err := p.init(); err != nil {
		return false, err
	}
	o, err := origin(ctx, s)
	if err != nil {
		return false, err
	}
	if err := s.GrantPermissions(ctx, o, "notifications"); err != nil {
		return false, errs.Wrap(errs.TokenUnavailable, err, "grant notifications to %s", o)
	}
	v, err := s.Evaluate(ctx, nil, p.scripts.permission)
	if err != nil {
		return false, err
	}
	return v == "granted", nil
}

// GetToken returns the page's registration token. An empty token is a
// TokenUnavailable error.
func (p *Provider) GetToken(ctx context.Context, s driver.Session) (string, error) {
	if err := p.init(); err != nil {
		return "", err
	}
	v, err := s.Evaluate(ctx, nil, p.scripts.token)
	if err != nil {
		return "", errs.Wrap(errs.TokenUnavailable, err, "get registration token")
	}
	token, _ := v.(string)
	if token == "" {
		return "", errs.New(errs.TokenUnavailable, "registration token is empty")
	}
	return token, nil
}

type pageSubscription struct {
	Endpoint string       `json:"endpoint"`
	Keys     webpush.Keys `json:"keys"`
}

func decode(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Deliver sends n to the page's push subscription.
func (p *Provider) Deliver(ctx context.Context, s driver.Session, n scenario.Notification) error {
	if err := p.init(); err != nil {
		return err
	}
	if p.cfg.VAPIDPrivateKey == "" {
		return errs.New(errs.ServiceUnavailable, "push.vapidPrivateKey is not configured")
	}
	v, err := s.Evaluate(ctx, nil, p.scripts.subscription)
	if err != nil {
		return err
	}
	var sub pageSubscription
	if v == nil {
		return errs.New(errs.TokenUnavailable, "page has no push subscription")
	}
	if err := decode(v, &sub); err != nil || sub.Endpoint == "" {
		return errs.New(errs.TokenUnavailable, "page returned an unusable push subscription")
	}

	payload, err := json.Marshal(map[string]any{
		"notification": n,
	})
	if err != nil {
		return err
	}
	ttl := int(p.cfg.TTL.Seconds())
	if ttl <= 0 {
		ttl = 60
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     sub.Keys,
	}, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return errs.Wrap(errs.ServiceUnavailable, err, "send push notification")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.New(errs.ServiceUnavailable, "push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	p.logger.Debug("push notification sent", zap.String("session", s.ID()), zap.String("title", n.Title))
	return nil
}

// Received returns every message the page has seen so far, foreground first,
// and fires the handlers for messages not reported before.
func (p *Provider) Received(ctx context.Context, s driver.Session) ([]scenario.Notification, error) {
	if err := p.init(); err != nil {
		return nil, err
	}
	v, err := s.Evaluate(ctx, nil, p.scripts.received)
	if err != nil {
		return nil, err
	}
	var got struct {
		Foreground []scenario.Notification `json:"foreground"`
		Background []scenario.Notification `json:"background"`
	}
	if v != nil {
		if err := decode(v, &got); err != nil {
			return nil, errs.Wrap(errs.ScriptEvaluation, err, "decode received messages")
		}
	}
	p.dispatch(s.ID(), Foreground, got.Foreground)
	p.dispatch(s.ID(), Background, got.Background)
	return append(got.Foreground, got.Background...), nil
}

func (p *Provider) dispatch(sessionID string, src Source, msgs []scenario.Notification) {
	p.mu.Lock()
	seen := p.seen[sessionID]
	if seen == nil {
		seen = make(map[Source]int)
		p.seen[sessionID] = seen
	}
	start := seen[src]
	if len(msgs) <= start {
		p.mu.Unlock()
		return
	}
	seen[src] = len(msgs)
	handlers := p.foreground
	if src == Background {
		handlers = p.background
	}
	handlers = append([]Handler(nil), handlers...)
	p.mu.Unlock()

	for _, m := range msgs[start:] {
		for _, h := range handlers {
			h(sessionID, m)
		}
	}
}

// GenerateKeys returns a fresh VAPID pair for push.vapidKey and
// push.vapidPrivateKey.
func GenerateKeys() (public, private string, err error) {
	private, public, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return public, private, nil
}

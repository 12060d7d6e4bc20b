package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/logger"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

// WebhookServer represents a webhook HTTP server
type WebhookServer struct {
	server   *http.Server
	certFile string
	keyFile  string
}

// Start starts the webhook server
func (ws *WebhookServer) Start() error {
	logger.Infof("Starting HTTP server on %s", ws.server.Addr)

	var err error
	if ws.certFile != "" && ws.keyFile != "" {
		logger.Infof("Using TLS with cert: %s, key: %s", ws.certFile, ws.keyFile)
		err = ws.server.ListenAndServeTLS(ws.certFile, ws.keyFile)
	} else {
		logger.Warningf("Running without TLS. Make sure you have a HTTPS proxy in front of this server")
		err = ws.server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (ws *WebhookServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

// webhookPath validates the endpoint and returns the path updates arrive on.
func webhookPath(cfg config.WebhookConfig) (string, error) {
	if cfg.Endpoint == "" {
		return "", fmt.Errorf("webhook endpoint is required")
	}
	if (cfg.CertFile == "" || cfg.KeyFile == "") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return "", fmt.Errorf("HTTPS configuration required: set cert_file and key_file in config or use a HTTPS proxy")
	}
	parsedURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if parsedURL.Path == "" {
		logger.Infof("No path specified in webhook endpoint, using default path: /webhook")
		return "/webhook", nil
	}
	return parsedURL.Path, nil
}

// SetupWebhook registers the webhook with Telegram and builds the server receiving it
func SetupWebhook(ctx context.Context, bot *telego.Bot, cfg config.WebhookConfig, secretToken string) (*th.BotHandler, *WebhookServer, error) {
	path, err := webhookPath(cfg)
	if err != nil {
		return nil, nil, err
	}
	listenPort := cfg.ListenPort
	if listenPort == "" {
		listenPort = "8443"
		logger.Infof("Using default listen port: %s", listenPort)
	}

	logger.Infof("Setting webhook to: %s", cfg.Endpoint)
	err = bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:            cfg.Endpoint,
		AllowedUpdates: allowedUpdates,
		SecretToken:    secretToken,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set webhook: %w", err)
	}

	webhookInfo, err := bot.GetWebhookInfo(ctx)
	if err != nil {
		logger.Warningf("Failed to get webhook info: %v", err)
	} else {
		logger.Infof("Webhook info: URL=%s, HasCustomCert=%v, PendingUpdateCount=%d",
			webhookInfo.URL, webhookInfo.HasCustomCertificate, webhookInfo.PendingUpdateCount)
		if webhookInfo.LastErrorDate > 0 {
			logger.Infof("Webhook last error: [%d] %s", webhookInfo.LastErrorDate, webhookInfo.LastErrorMessage)
		}
	}

	mux := http.NewServeMux()
	if cfg.DebugPath != "" {
		mux.HandleFunc(cfg.DebugPath, debugHandler(bot, cfg.Endpoint))
	}

	updates, err := bot.UpdatesViaWebhook(ctx,
		telego.WebhookHTTPServeMux(mux, path, secretToken),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get updates channel: %w", err)
	}

	bh, err := th.NewBotHandler(bot, updates)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bot handler: %w", err)
	}

	return bh, &WebhookServer{
		server: &http.Server{
			Addr:              "0.0.0.0:" + listenPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
	}, nil
}

// debugHandler reports the webhook state as plain text
func debugHandler(bot *telego.Bot, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Infof("Debug endpoint accessed: %s %s", r.Method, r.URL.Path)

		var b strings.Builder
		b.WriteString("Bot webhook server is running\n\n")
		if botUser, err := bot.GetMe(r.Context()); err == nil {
			fmt.Fprintf(&b, "Bot username: %s\n", botUser.Username)
		}
		fmt.Fprintf(&b, "Webhook path: %s\n", endpoint)

		webhookInfo, err := bot.GetWebhookInfo(r.Context())
		if err != nil {
			fmt.Fprintf(&b, "\nError getting webhook info: %v", err)
		} else {
			b.WriteString("\nWebhook Info:\n")
			fmt.Fprintf(&b, "URL: %s\n", webhookInfo.URL)
			fmt.Fprintf(&b, "Custom Certificate: %v\n", webhookInfo.HasCustomCertificate)
			fmt.Fprintf(&b, "Pending Updates: %d\n", webhookInfo.PendingUpdateCount)
			if webhookInfo.LastErrorDate > 0 {
				errorTime := time.Unix(int64(webhookInfo.LastErrorDate), 0)
				fmt.Fprintf(&b, "Last Error: [%s] %s\n", errorTime.Format("2006-01-02 15:04:05"), webhookInfo.LastErrorMessage)
			}
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(b.String()))
	}
}

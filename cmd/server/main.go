// Package main is the entry point for the gateway process: it loads the
// provider store, opens the secret store, wires the auth manager and the
// Code Assist request adapters into the chat service facade, and exposes
// a thin Gin HTTP surface over it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/unifychat/gateway/internal/authconfig"
	"github.com/unifychat/gateway/internal/authmanager"
	"github.com/unifychat/gateway/internal/authmethod"
	"github.com/unifychat/gateway/internal/browser"
	"github.com/unifychat/gateway/internal/chatservice"
	"github.com/unifychat/gateway/internal/codeassist"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/httpclient"
	"github.com/unifychat/gateway/internal/logging"
	"github.com/unifychat/gateway/internal/secretstore"
	"github.com/unifychat/gateway/internal/statusapi"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var secretDBPath string
	var addr string
	var noBrowser bool
	var debug bool
	var enableStatusAPI bool
	var logDir string
	var logToFile bool
	flag.StringVar(&configPath, "config", "config.yaml", "provider config file path")
	flag.StringVar(&secretDBPath, "secrets", "secrets.db", "secret store database path")
	flag.StringVar(&addr, "addr", ":8317", "HTTP listen address")
	flag.BoolVar(&noBrowser, "no-browser", false, "don't open a browser for OAuth flows")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&enableStatusAPI, "status-api", false, "expose the loopback-only GET /status/auths diagnostics endpoint")
	flag.StringVar(&logDir, "log-dir", "logs", "directory for the rotated log file, when -log-to-file is set")
	flag.BoolVar(&logToFile, "log-to-file", true, "write logs to a rotating file instead of stdout")
	flag.Parse()

	if err := logging.ConfigureLogOutput(logToFile, logDir); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logging.SetDebug(debug)

	log.Infof("gateway version=%s commit=%s built=%s", Version, Commit, BuildDate)

	store, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}
	if err := store.Watch(); err != nil {
		log.Warnf("config hot-reload disabled: %v", err)
	}
	defer store.Close()

	secrets, err := secretstore.Open(secretDBPath)
	if err != nil {
		log.Fatalf("failed to open secret store %s: %v", secretDBPath, err)
	}
	defer secrets.Close()

	sweepOrphans := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := secretstore.SweepOrphans(ctx, secrets, store.LiveSecretRefs()); err != nil {
			log.Warnf("secret orphan sweep failed: %v", err)
		}
	}
	sweepOrphans()
	lastMode := store.StoreSecretsInSettings()
	store.Subscribe(func(providers []config.ProviderConfig, mode bool) {
		if mode == lastMode {
			return
		}
		lastMode = mode
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		migrated, errs := authconfig.MigrateAll(ctx, providers, secrets, mode)
		for _, err := range errs {
			log.Warnf("auth config migration: %v", err)
		}
		if err := store.ReplaceAll(migrated); err != nil {
			log.Warnf("persisting migrated auth configs: %v", err)
		}
		sweepOrphans()
	})

	httpClient, err := httpclient.New("", 60*time.Second)
	if err != nil {
		log.Fatalf("failed to build http client: %v", err)
	}
	// Streaming responses outlive any sane total-request timeout; the
	// adapters enforce their own idle timeout instead.
	streamClient, err := httpclient.New("", 0)
	if err != nil {
		log.Fatalf("failed to build streaming http client: %v", err)
	}

	openURL := browser.OpenURL
	if noBrowser {
		openURL = func(_ context.Context, url string) error {
			fmt.Printf("open the following URL to continue: %s\n", url)
			return nil
		}
	}

	deps := authmethod.Deps{
		HTTPClient: httpClient,
		OpenURL:    openURL,
		PromptAPIKey: func(ctx context.Context) (string, error) {
			return "", fmt.Errorf("gateway: interactive api-key prompt not available in server mode")
		},
		PromptServiceAcct: func(ctx context.Context) (string, error) {
			return "", fmt.Errorf("gateway: interactive service-account prompt not available in server mode")
		},
		DevicePrompt: func(ctx context.Context, userCode, verificationURI, verificationURIComplete string) {
			fmt.Printf("enter code %s at %s\n", userCode, verificationURI)
		},
	}

	manager := authmanager.New(store, secrets, deps)
	defer manager.Dispose()

	facade := chatservice.New(manager, store)
	fingerprint, err := codeassist.NewDeviceFingerprint()
	if err != nil {
		log.Fatalf("failed to derive device fingerprint: %v", err)
	}
	processSessionID := codeassist.NewProcessSessionID()
	facade.RegisterCodeAssistAdapters(
		codeassist.NewAdapter(streamClient, "", fingerprint, processSessionID),
		codeassist.NewAdapter(streamClient, "", fingerprint, processSessionID),
	)

	router := gin.New()
	router.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	registerRoutes(router, store, manager, facade)
	if enableStatusAPI {
		statusapi.NewHandler(store, manager).Register(router)
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// chatCompletionRequest is the minimal inbound shape this demo surface
// accepts: a provider name (selecting the configured auth/base URL) plus
// the abstract chat request fields codeassist.ChatRequest needs.
type chatCompletionRequest struct {
	Provider string                 `json:"provider"`
	Request  codeassist.ChatRequest `json:"request"`
}

func registerRoutes(r *gin.Engine, store *config.Store, manager *authmanager.Manager, facade *chatservice.Facade) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/v1/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.List())
	})

	r.POST("/v1/providers/:name/chat", func(c *gin.Context) {
		name := c.Param("name")
		var body chatCompletionRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		flusher, _ := c.Writer.(http.Flusher)

		err := facade.Stream(c.Request.Context(), name, body.Request, func(chunk json.RawMessage) error {
			if _, err := c.Writer.Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Writer.Write(chunk); err != nil {
				return err
			}
			if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil {
			_, _ = io.WriteString(c.Writer, fmt.Sprintf("event: error\ndata: %s\n\n", jsonString(err.Error())))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	r.POST("/v1/providers/:name/retry-auth", func(c *gin.Context) {
		name := c.Param("name")
		ok, err := manager.RetryRefresh(c.Request.Context(), name)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"refreshed": ok})
	})
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

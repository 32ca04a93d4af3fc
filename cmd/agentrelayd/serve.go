package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/agentrelay/api"
	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/conversation"
	"github.com/agentrelay/agentrelay/dispatcher"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/invoker"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/queue"
)

// shutdownGrace bounds how long serve waits for the HTTP server to settle
// once a shutdown signal arrives. The dispatcher drain that precedes it
// (disp.Stop) is not bounded by this value.
const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and Control API until signaled to stop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "override the Control API bind host")
	serveCmd.Flags().Int("port", 0, "override the Control API bind port")
	serveCmd.Flags().Bool("auth-off", false, "disable Control API authentication")
	_ = viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("authOff", serveCmd.Flags().Lookup("auth-off"))
}

func runServe(cmd *cobra.Command, args []string) error {
	sink := api.NewLogSink(2000)
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.LogLevelInfo,
		Format:    viper.GetString("logFormat"),
		Output:    io.MultiWriter(os.Stdout, sink),
		AddSource: false,
		Component: "agentrelayd",
	})

	cfg, err := config.New(viper.GetString("config"), func(o *config.Options) { o.Logger = logger })
	if err != nil {
		return fmt.Errorf("agentrelayd: load config: %w", err)
	}
	defer cfg.Close()

	store, err := queue.New(viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("agentrelayd: open queue: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()

	snap := cfg.Snapshot()
	convMgr := conversation.New(store, bus, func(o *conversation.Options) {
		o.Logger = logger
		if snap.Workspace != "" {
			o.Workspace = snap.Workspace
		}
	})

	inv := invoker.New(buildBackends(), func(o *invoker.Options) { o.Logger = logger })

	disp := dispatcher.New(store, cfg, bus, convMgr, inv, func(o *dispatcher.Options) { o.Logger = logger })

	authOff := viper.GetBool("authOff")
	apiKey := ""
	if !authOff {
		apiKey, err = cfg.EnsureAPIKey()
		if err != nil {
			return fmt.Errorf("agentrelayd: ensure api key: %w", err)
		}
	}

	host := viper.GetString("host")
	if host == "" {
		host = snap.API.Host
	}
	port := viper.GetInt("port")
	if port == 0 {
		port = snap.API.Port
	}

	srv := api.New(store, cfg, bus, convMgr, func(o *api.Options) {
		o.Logger = logger
		o.Host = host
		o.Port = port
		o.AuthOff = authOff
		o.APIKey = apiKey
		o.LogSink = sink
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Start(gctx) })
	g.Go(func() error { return srv.Start(gctx) })

	logger.Info("agentrelayd: serving host=%s port=%d authOff=%t", host, port, authOff)

	<-ctx.Done()
	logger.Info("agentrelayd: shutdown signal received, draining")

	disp.Stop()
	if err := srv.Stop(shutdownGrace); err != nil {
		logger.Error("agentrelayd: api shutdown error=%v", err)
	}

	return g.Wait()
}

func buildBackends() []invoker.Backend {
	backends := []invoker.Backend{invoker.NewMockBackend()}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		backends = append(backends, invoker.NewAnthropicBackend(func(o *invoker.AnthropicOptions) { o.APIKey = key }))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		backends = append(backends, invoker.NewOpenAIBackend(func(o *invoker.OpenAIOptions) { o.APIKey = key }))
	}
	return backends
}

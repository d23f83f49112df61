package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personabot/pkg/cache"
	"personabot/pkg/engine"
	"personabot/pkg/gemini"
	"personabot/pkg/imageprep"
	"personabot/pkg/localmodel"
	"personabot/pkg/persona"
	"personabot/pkg/retry"
	"personabot/pkg/server"
)

// app is everything built from the config.
type app struct {
	engine  *engine.Engine
	remote  *gemini.Client
	ollama  *localmodel.OllamaRuntime
	manager *localmodel.Manager
	cache   *cache.Cache
	policy  engine.Policy
}

func (a *app) Close(ctx context.Context) {
	if a.manager != nil {
		if err := a.manager.Release(ctx); err != nil {
			logger.Warn("failed to release local model", zap.Error(err))
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

func buildApp() (*app, error) {
	a := &app{}

	policy := retry.NoRetry()
	if cfg.Remote.MaxAttempts > 1 {
		policy = retry.DefaultPolicy()
		policy.MaxAttempts = cfg.Remote.MaxAttempts
		policy.InitialDelay = time.Duration(cfg.Remote.InitialBackoffMS) * time.Millisecond
		policy.MaxDelay = time.Duration(cfg.Remote.MaxBackoffMS) * time.Millisecond
	}

	a.remote = gemini.NewClient(gemini.Config{
		APIKey:  cfg.Remote.APIKey,
		BaseURL: cfg.Remote.BaseURL,
		Models:  cfg.Remote.Models,
		Timeout: cfg.RemoteTimeout(),
		Retry:   &policy,
	}, logger)
	if !a.remote.Configured() {
		logger.Warn("GEMINI_API_KEY not set, every request will use the local model")
	}

	opts := engine.Options{
		Builder:     persona.NewBuilder(cfg.Persona.AdviceAge),
		Remote:      a.remote,
		DefaultMode: persona.ParseMode(cfg.Persona.DefaultMode, persona.Roast),
		Logger:      logger,
		Images: imageprep.NewProcessor(imageprep.Options{
			MaxDimension: cfg.Image.MaxDimension,
			Quality:      cfg.Image.Quality,
			Threshold:    int64(cfg.Image.ThresholdKB) * 1024,
		}),
	}

	modes := make([]persona.Mode, 0, len(cfg.Routing.RemoteModes))
	for _, m := range cfg.Routing.RemoteModes {
		modes = append(modes, persona.ParseMode(m, persona.FallbackMode))
	}
	a.policy = engine.NewPolicy(modes)
	opts.Policy = &a.policy

	if cfg.LocalEnabled() {
		rt, err := localmodel.NewOllamaRuntime(cfg.Local.Host, logger)
		if err != nil {
			return nil, err
		}
		a.ollama = rt

		slots := make([]persona.Slot, 0, len(cfg.Local.FineTunedSlots))
		for _, s := range cfg.Local.FineTunedSlots {
			slots = append(slots, persona.Slot(strings.ToLower(strings.TrimSpace(s))))
		}

		a.manager = localmodel.NewManager(rt, localmodel.Config{
			ModelsDir:          cfg.Local.ModelsDir,
			Repository:         cfg.Local.Repository,
			BaselineModel:      cfg.Local.BaselineModel,
			FineTunedSlots:     slots,
			MemoryCeilingBytes: cfg.MemoryCeilingBytes(),
			Options: localmodel.Options{
				MaxTokens:     cfg.ModelSettings.MaxNewTokens,
				Temperature:   cfg.ModelSettings.Temperature,
				TopP:          cfg.ModelSettings.TopP,
				RepeatLastN:   cfg.ModelSettings.RepeatLastN,
				RepeatPenalty: cfg.ModelSettings.RepeatPenalty,
				Threads:       cfg.ModelSettings.Threads,
			},
		}, logger)
		opts.Local = a.manager
	}

	if cfg.Cache.Enabled && cfg.Cache.URL != "" {
		c, err := cache.NewRedisCache(cfg.Cache.URL, cfg.Cache.Prefix, cfg.CacheTTL())
		if err != nil {
			logger.Warn("reply cache disabled", zap.Error(err))
		} else {
			a.cache = c
			opts.Cache = c
		}
	}

	a.engine = engine.New(opts)
	return a, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the /predict endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		srv := server.New(a.engine, logger)
		timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
		return srv.Run(cmd.Context(), cfg.Server.Addr, timeout)
	},
}

var (
	askMode   string
	askName   string
	askGender string
	askAge    int
	askImage  string
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		var image string
		if askImage != "" {
			image, err = readImage(askImage)
			if err != nil {
				return err
			}
		}

		resp := a.engine.Respond(cmd.Context(), engine.Request{
			Text: strings.Join(args, " "),
			Mode: askMode,
			Profile: persona.Profile{
				Name:   askName,
				Gender: persona.ParseGender(askGender),
				Age:    askAge,
			},
			Image: image,
		})
		fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askMode, "mode", "m", "", "roast, relationship, friend, therapy or smart")
	askCmd.Flags().StringVar(&askName, "name", "", "your name")
	askCmd.Flags().StringVar(&askGender, "gender", "male", "male or female")
	askCmd.Flags().IntVar(&askAge, "age", 0, "your age")
	askCmd.Flags().StringVar(&askImage, "image", "", "path to an image to attach")
}

// readImage loads a file as a data URI.
func readImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mime := http.DetectContentType(data)
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List persona modes and where they are routed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		var data [][]string
		for _, m := range persona.Modes {
			spec := persona.Lookup(m)
			route := "local"
			if a.remote.Configured() && a.policy.PrefersRemote(m) {
				route = "remote"
			}

			source := "-"
			if a.manager != nil {
				var kinds []string
				for _, src := range a.manager.Sources(spec.Slot) {
					kinds = append(kinds, string(src.Kind))
				}
				source = strings.Join(kinds, " > ")
			}

			data = append(data, []string{string(m), string(spec.Slot), route, source})
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"MODE", "SLOT", "ROUTE", "LOCAL SOURCES"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(data)
		table.Render()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that each backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		var data [][]string

		if a.remote.Configured() {
			data = append(data, []string{"remote", "configured", strings.Join(a.remote.Models(), ", ")})
		} else {
			data = append(data, []string{"remote", "disabled", "GEMINI_API_KEY not set"})
		}

		switch {
		case a.ollama == nil:
			data = append(data, []string{"local", "disabled", "local.enabled is false"})
		case a.ollama.Ping(ctx) != nil:
			data = append(data, []string{"local", "unreachable", cfg.Local.Host})
		default:
			data = append(data, []string{"local", "ok", cfg.Local.Host})
		}

		switch {
		case a.cache != nil && a.cache.Ping(ctx) != nil:
			data = append(data, []string{"cache", "unreachable", cfg.Cache.Prefix})
		case a.cache != nil:
			data = append(data, []string{"cache", "ok", cfg.Cache.Prefix})
		case cfg.Cache.Enabled:
			data = append(data, []string{"cache", "unreachable", "see logs"})
		default:
			data = append(data, []string{"cache", "disabled", "REDIS_URL not set"})
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"COMPONENT", "STATUS", "DETAIL"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(data)
		table.Render()
		return nil
	},
}

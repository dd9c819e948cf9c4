package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/photograder/internal/handler"
	appI18n "github.com/pavelanni/photograder/internal/i18n"
	"github.com/pavelanni/photograder/internal/llm"
	"github.com/pavelanni/photograder/internal/llm/prompts"
	"github.com/pavelanni/photograder/internal/model"
	"github.com/pavelanni/photograder/internal/session"
)

func main() {
	// A missing .env file is normal.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "photograder",
		Short: "Grade photographed math worksheets with a vision model",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `photograder --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addGraderFlags(f *pflag.FlagSet) {
	f.String("provider", llm.ProviderOpenAI, "Grading provider (openai, gemini)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the OpenAI-compatible endpoint")
	f.String("llm-model", "llama3.2-vision", "Vision model name for the OpenAI-compatible endpoint")
	f.String("gemini-key", "", "Gemini API key (or set PHOTOGRADER_GEMINI_KEY)")
	f.String("gemini-model", "gemini-2.5-pro", "Gemini model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "en", "Feedback and UI language (en, vi)")
	f.Duration("grading-timeout", 3*time.Minute, "Upper bound for one grading call")
	f.Float64("default-points", model.DefaultPoints, "Points given to an exercise with no remembered scale")
	f.Bool("skip-ping", false, "Do not check the LLM endpoint at startup")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grader)")
	f.Int("max-image-mb", 20, "Largest accepted image file, in megabytes")
	f.Duration("notification-ttl", session.DefaultNotificationTTL, "How long informational notices stay visible")
	f.String("operator-user", "teacher", "Operator username for HTTP basic auth")
	f.String("operator-password", "", "Operator password (or set PHOTOGRADER_OPERATOR_PASSWORD); empty disables auth")
	addGraderFlags(f)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one submission from image files and print a JSON report",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.StringSliceP("exam", "e", nil, "Photographs of the original exam (repeatable)")
	f.StringSliceP("work", "w", nil, "Photographs of the student's work (repeatable)")
	f.StringToString("points", nil, "Point scale per exercise title, e.g. --points \"Exercise 1=5\"")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addGraderFlags(f)

	_ = cmd.MarkFlagRequired("exam")
	_ = cmd.MarkFlagRequired("work")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PHOTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("photograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/photograder")
	v.AddConfigPath("/etc/photograder")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// buildGrader creates the grading client selected by the provider flag.
func buildGrader(ctx context.Context, v *viper.Viper) (session.Grader, model.GradingConfig, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	cfg := model.GradingConfig{
		Provider:        strings.ToLower(v.GetString("provider")),
		PromptVariant:   variant,
		Lang:            v.GetString("lang"),
		DefaultPoints:   v.GetFloat64("default-points"),
		GradingTimeout:  v.GetDuration("grading-timeout"),
		MaxImageBytes:   int64(v.GetInt("max-image-mb")) << 20,
		NotificationTTL: v.GetDuration("notification-ttl"),
	}

	switch cfg.Provider {
	case llm.ProviderOpenAI:
		cfg.Model = v.GetString("llm-model")
		client, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), cfg.Model, variant, cfg.Lang)
		if err != nil {
			return nil, cfg, fmt.Errorf("create LLM client: %w", err)
		}
		if !v.GetBool("skip-ping") {
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx); err != nil {
				return nil, cfg, fmt.Errorf("LLM health check: %w", err)
			}
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", cfg.Model)
		}
		return client, cfg, nil
	case llm.ProviderGemini:
		cfg.Model = v.GetString("gemini-model")
		client, err := llm.NewGemini(v.GetString("gemini-key"), cfg.Model, variant, cfg.Lang)
		if err != nil {
			return nil, cfg, fmt.Errorf("create Gemini client: %w", err)
		}
		return client, cfg, nil
	default:
		return nil, cfg, fmt.Errorf("unknown provider %q (want %s or %s)", cfg.Provider, llm.ProviderOpenAI, llm.ProviderGemini)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	grader, cfg, err := buildGrader(ctx, v)
	if err != nil {
		return err
	}

	sess := session.New(grader, session.Config{
		DefaultPoints:   cfg.DefaultPoints,
		NotificationTTL: cfg.NotificationTTL,
	})
	defer sess.Close()
	h := handler.New(sess, cfg)

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	var auth func(http.Handler) http.Handler
	if pw := v.GetString("operator-password"); pw != "" {
		op, err := handler.NewOperator(v.GetString("operator-user"), pw)
		if err != nil {
			return err
		}
		auth = handler.RequireOperator(op)
	} else {
		slog.Warn("no operator password set, the API is unauthenticated")
	}
	api := func(sub chi.Router) {
		sub.Use(appI18n.Middleware())
		if auth != nil {
			sub.Use(auth)
		}
		h.Routes(sub)
	}
	if basePath != "" {
		r.Route(basePath, api)
	} else {
		r.Group(api)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"provider", cfg.Provider,
		"model", cfg.Model,
		"prompt_variant", cfg.PromptVariant,
		"lang", lang,
		"default_points", cfg.DefaultPoints,
		"grading_timeout", cfg.GradingTimeout,
		"base_path", basePath,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grader, cfg, err := buildGrader(ctx, v)
	if err != nil {
		return err
	}
	rawScales, err := cmd.Flags().GetStringToString("points")
	if err != nil {
		return err
	}
	scales, err := parseScales(rawScales)
	if err != nil {
		return err
	}

	examPaths := v.GetStringSlice("exam")
	workPaths := v.GetStringSlice("work")
	exam, err := readImages(examPaths)
	if err != nil {
		return err
	}
	work, err := readImages(workPaths)
	if err != nil {
		return err
	}

	sess := session.New(grader, session.Config{DefaultPoints: cfg.DefaultPoints})
	defer sess.Close()
	if _, err := sess.AddReferenceImages(exam...); err != nil {
		return err
	}
	if err := sess.AdvanceToSubmission(); err != nil {
		return err
	}
	if _, err := sess.AddSubmissionImages(work...); err != nil {
		return err
	}

	gradeCtx := ctx
	if cfg.GradingTimeout > 0 {
		var cancel context.CancelFunc
		gradeCtx, cancel = context.WithTimeout(ctx, cfg.GradingTimeout)
		defer cancel()
	}
	res, err := sess.Grade(gradeCtx)
	if err != nil {
		return fmt.Errorf("grade: %w", err)
	}

	for _, ex := range res.Exercises {
		if p, ok := scales[ex.Title]; ok {
			if err := sess.SetExercisePoints(ex.ID, p); err != nil {
				return fmt.Errorf("set points for %q: %w", ex.Title, err)
			}
		}
	}
	res, _ = sess.Result()

	report := model.GradeReport{
		GradedAt:         time.Now().UTC(),
		Provider:         cfg.Provider,
		Model:            cfg.Model,
		PromptVariant:    cfg.PromptVariant,
		ReferenceImages:  baseNames(examPaths),
		SubmissionImages: baseNames(workPaths),
		RememberedScales: sess.Memory().Snapshot(),
		Result:           res,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("graded submission",
		"exercises", len(res.Exercises),
		"total_score", res.TotalScore,
		"total_possible", res.TotalPossiblePoints,
	)
	return nil
}

func readImages(paths []string) ([]model.Image, error) {
	imgs := make([]model.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		img, err := model.NewImage(filepath.Base(p), data)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func parseScales(raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for title, s := range raw {
		p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("invalid points %q for %q", s, title)
		}
		out[title] = p
	}
	return out, nil
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

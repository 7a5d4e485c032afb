package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vision     VisionConfig     `yaml:"vision"`
	Matching   MatchingConfig   `yaml:"matching"`
	Quality    QualityConfig    `yaml:"quality"`
	BestShot   BestShotConfig   `yaml:"best_shot"`
	Duplicates DuplicatesConfig `yaml:"duplicates"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Circuit breaker around object storage calls.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectorModel      string  `yaml:"detector_model"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	IntraOpThreads     int     `yaml:"intra_op_threads"`
}

// MethodConfig describes one embedding model.
type MethodConfig struct {
	Name      string  `yaml:"name"`
	Model     string  `yaml:"model"`
	InputSize int     `yaml:"input_size"`
	Dim       int     `yaml:"dim"`
	Output    string  `yaml:"output"`
	Threshold float64 `yaml:"threshold"` // minimum confidence (0-100)
	// Family is "primary" or "secondary". Secondary methods are only
	// consulted when the primary family gives no confident match.
	Family string `yaml:"family"`
}

type MatchingConfig struct {
	Methods       []MethodConfig `yaml:"methods"`
	MinFaceArea   float64        `yaml:"min_face_area"`  // pixels
	FallbackBelow float64        `yaml:"fallback_below"` // confidence
	Parallelism   int            `yaml:"parallelism"`
	BuildWorkers  int            `yaml:"build_workers"`
	BuildTimeout  time.Duration  `yaml:"build_timeout"`
	Timeout       time.Duration  `yaml:"timeout"`
}

// Thresholds returns the acceptance threshold per method name.
func (m MatchingConfig) Thresholds() map[string]float64 {
	out := make(map[string]float64, len(m.Methods))
	for _, mc := range m.Methods {
		out[mc.Name] = mc.Threshold
	}
	return out
}

type QualityConfig struct {
	PortraitBlurThreshold  float64 `yaml:"portrait_blur_threshold"`
	GroupBlurThreshold     float64 `yaml:"group_blur_threshold"`
	LandscapeBlurThreshold float64 `yaml:"landscape_blur_threshold"`
	PortraitFaceRatio      float64 `yaml:"portrait_face_ratio"`
	MinMeanBrightness      float64 `yaml:"min_mean_brightness"`
	MaxMeanBrightness      float64 `yaml:"max_mean_brightness"`
	AccidentalPenalty      float64 `yaml:"accidental_penalty"`
	AccidentalFloor        float64 `yaml:"accidental_floor"`
	CompositionThreshold   float64 `yaml:"composition_threshold"`
	LightingThreshold      float64 `yaml:"lighting_threshold"`
	PoorComposition        float64 `yaml:"poor_composition"`
}

// CategoryLimit is the K and qualifying minimum of one best-shot category.
type CategoryLimit struct {
	Limit    int     `yaml:"limit"`
	MinScore float64 `yaml:"min_score"`
}

type BestShotConfig struct {
	Categories map[string]CategoryLimit `yaml:"categories"`
}

type DuplicatesConfig struct {
	StructuralThreshold float64       `yaml:"structural_threshold"`
	ColorThreshold      float64       `yaml:"color_threshold"`
	TemporalWindow      time.Duration `yaml:"temporal_window"`
	TemporalPenalty     float64       `yaml:"temporal_penalty"`
	SignatureCache      int           `yaml:"signature_cache"`
	Debounce            time.Duration `yaml:"debounce"`
	Timeout             time.Duration `yaml:"timeout"`
	Workers             int           `yaml:"workers"`
}

type PipelineConfig struct {
	WorkerCount     int           `yaml:"worker_count"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
	EnhanceBelow    float64       `yaml:"enhance_below"`
	EnhanceEnabled  *bool         `yaml:"enhance_enabled"`
}

type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	StaleFor  time.Duration `yaml:"stale_for"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	primary := 0
	seen := make(map[string]bool)
	for _, m := range c.Matching.Methods {
		if m.Name == "" {
			return fmt.Errorf("matching method without name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate matching method %q", m.Name)
		}
		seen[m.Name] = true
		if m.Threshold <= 0 || m.Threshold > 100 {
			return fmt.Errorf("matching method %q: threshold %.1f outside (0,100]", m.Name, m.Threshold)
		}
		switch m.Family {
		case "primary":
			primary++
		case "secondary":
		default:
			return fmt.Errorf("matching method %q: unknown family %q", m.Name, m.Family)
		}
	}
	if primary == 0 {
		return fmt.Errorf("at least one primary matching method is required")
	}
	if c.Duplicates.StructuralThreshold <= 0 || c.Duplicates.StructuralThreshold > 1 {
		return fmt.Errorf("duplicates.structural_threshold must be in (0,1]")
	}
	if c.Duplicates.ColorThreshold <= 0 || c.Duplicates.ColorThreshold > 1 {
		return fmt.Errorf("duplicates.color_threshold must be in (0,1]")
	}
	for name, cl := range c.BestShot.Categories {
		if cl.Limit <= 0 {
			return fmt.Errorf("best_shot category %q: limit must be positive", name)
		}
	}
	return nil
}

// EnhanceOn reports whether low-quality photos get an enhanced copy.
func (p PipelineConfig) EnhanceOn() bool {
	return p.EnhanceEnabled == nil || *p.EnhanceEnabled
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.BreakerFailures == 0 {
		cfg.MinIO.BreakerFailures = 5
	}
	if cfg.MinIO.BreakerTimeout == 0 {
		cfg.MinIO.BreakerTimeout = 30 * time.Second
	}
	if cfg.Vision.DetectorModel == "" {
		cfg.Vision.DetectorModel = "det_10g.onnx"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if len(cfg.Matching.Methods) == 0 {
		cfg.Matching.Methods = []MethodConfig{
			{Name: "arcface", Model: "w600k_r50.onnx", InputSize: 112, Dim: 512, Output: "683", Threshold: 50, Family: "primary"},
			{Name: "facenet", Model: "facenet512.onnx", InputSize: 160, Dim: 512, Output: "embeddings", Threshold: 45, Family: "primary"},
			{Name: "mobileface", Model: "w600k_mbf.onnx", InputSize: 112, Dim: 512, Output: "516", Threshold: 45, Family: "secondary"},
		}
	}
	for i := range cfg.Matching.Methods {
		m := &cfg.Matching.Methods[i]
		if m.InputSize == 0 {
			m.InputSize = 112
		}
		if m.Dim == 0 {
			m.Dim = 512
		}
		if m.Family == "" {
			m.Family = "primary"
		}
	}
	if cfg.Matching.MinFaceArea == 0 {
		cfg.Matching.MinFaceArea = 900
	}
	if cfg.Matching.FallbackBelow == 0 {
		cfg.Matching.FallbackBelow = 60
	}
	if cfg.Matching.Parallelism == 0 {
		cfg.Matching.Parallelism = 8
	}
	if cfg.Matching.BuildWorkers == 0 {
		cfg.Matching.BuildWorkers = 4
	}
	if cfg.Matching.BuildTimeout == 0 {
		cfg.Matching.BuildTimeout = 10 * time.Minute
	}
	if cfg.Matching.Timeout == 0 {
		cfg.Matching.Timeout = 60 * time.Second
	}
	q := &cfg.Quality
	if q.PortraitBlurThreshold == 0 {
		q.PortraitBlurThreshold = 25
	}
	if q.GroupBlurThreshold == 0 {
		q.GroupBlurThreshold = 40
	}
	if q.LandscapeBlurThreshold == 0 {
		q.LandscapeBlurThreshold = 40
	}
	if q.PortraitFaceRatio == 0 {
		q.PortraitFaceRatio = 0.10
	}
	if q.MinMeanBrightness == 0 {
		q.MinMeanBrightness = 40
	}
	if q.MaxMeanBrightness == 0 {
		q.MaxMeanBrightness = 220
	}
	if q.AccidentalPenalty == 0 {
		q.AccidentalPenalty = 0.5
	}
	if q.AccidentalFloor == 0 {
		q.AccidentalFloor = 1
	}
	if q.CompositionThreshold == 0 {
		q.CompositionThreshold = 85
	}
	if q.LightingThreshold == 0 {
		q.LightingThreshold = 85
	}
	if q.PoorComposition == 0 {
		q.PoorComposition = 30
	}
	if cfg.BestShot.Categories == nil {
		cfg.BestShot.Categories = map[string]CategoryLimit{}
	}
	for cat, def := range defaultCategoryLimits {
		cl, ok := cfg.BestShot.Categories[cat]
		if !ok {
			cfg.BestShot.Categories[cat] = def
			continue
		}
		if cl.Limit == 0 {
			cl.Limit = def.Limit
		}
		cfg.BestShot.Categories[cat] = cl
	}
	d := &cfg.Duplicates
	if d.StructuralThreshold == 0 {
		d.StructuralThreshold = 0.92
	}
	if d.ColorThreshold == 0 {
		d.ColorThreshold = 0.80
	}
	if d.SignatureCache == 0 {
		d.SignatureCache = 4096
	}
	if d.Debounce == 0 {
		d.Debounce = 5 * time.Second
	}
	if d.Timeout == 0 {
		d.Timeout = 5 * time.Minute
	}
	if d.Workers == 0 {
		d.Workers = 4
	}
	p := &cfg.Pipeline
	if p.WorkerCount == 0 {
		p.WorkerCount = 4
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.AnalysisTimeout == 0 {
		p.AnalysisTimeout = 2 * time.Minute
	}
	if p.EnhanceBelow == 0 {
		p.EnhanceBelow = 70
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 5 * time.Minute
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 200
	}
	if cfg.Scheduler.StaleFor == 0 {
		cfg.Scheduler.StaleFor = 10 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Overall minimum is the original "excellent photo" cut of 75; composition
// and lighting share their excellence threshold.
var defaultCategoryLimits = map[string]CategoryLimit{
	"overall":      {Limit: 10, MinScore: 75},
	"portrait":     {Limit: 5, MinScore: 60},
	"group":        {Limit: 5, MinScore: 60},
	"action":       {Limit: 5, MinScore: 60},
	"composition":  {Limit: 5, MinScore: 85},
	"lighting":     {Limit: 5, MinScore: 85},
	"blurry":       {Limit: 3, MinScore: 0},
	"underexposed": {Limit: 3, MinScore: 0},
	"overexposed":  {Limit: 3, MinScore: 0},
	"accidental":   {Limit: 3, MinScore: 0},
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SNAPFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SNAPFLOW_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("SNAPFLOW_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("SNAPFLOW_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("SNAPFLOW_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("SNAPFLOW_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("SNAPFLOW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SNAPFLOW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SNAPFLOW_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("SNAPFLOW_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("SNAPFLOW_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("SNAPFLOW_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("SNAPFLOW_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("SNAPFLOW_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.WorkerCount = n
		}
	}
	if v := os.Getenv("SNAPFLOW_DUPLICATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Duplicates.StructuralThreshold = f
		}
	}
	if v := os.Getenv("SNAPFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

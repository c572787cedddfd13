// Package config loads and validates the recognized configuration keys,
// layering a config file, environment variables, and command-line flags the
// way eve.evalgo.org/cli.root.go layers RootCmd's persistent flags through
// viper. Unlike that package it keeps no package-level viper/cobra state: a
// Loader is constructed per command invocation and handed a flag set to bind.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rknightion/paperless-dedupe/internal/ai"
	"github.com/rknightion/paperless-dedupe/internal/analysis"
	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/grouping"
	"github.com/rknightion/paperless-dedupe/internal/lsh"
	"github.com/rknightion/paperless-dedupe/internal/paperless"
	"github.com/rknightion/paperless-dedupe/internal/scoring"
	"github.com/rknightion/paperless-dedupe/internal/syncengine"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// rowsPerBand is the LSH row count a signature length is split into; Bands
// is derived as MinHashNumPerm/rowsPerBand. Chosen so the documented default
// (H=128) reproduces lsh.DefaultParams (16 bands of 8 rows).
const rowsPerBand = 8

// Config holds every recognized key. Field tags are the exact key names.
type Config struct {
	PaperlessURL      string `mapstructure:"paperless_url"`
	PaperlessAPIToken string `mapstructure:"paperless_api_token"`
	PaperlessUsername string `mapstructure:"paperless_username"`
	PaperlessPassword string `mapstructure:"paperless_password"`

	FuzzyMatchThreshold float64 `mapstructure:"fuzzy_match_threshold"`
	LSHThreshold        float64 `mapstructure:"lsh_threshold"`
	MinHashNumPerm      int     `mapstructure:"minhash_num_perm"`

	ConfidenceWeightJaccard  float64 `mapstructure:"confidence_weight_jaccard"`
	ConfidenceWeightFuzzy    float64 `mapstructure:"confidence_weight_fuzzy"`
	ConfidenceWeightMetadata float64 `mapstructure:"confidence_weight_metadata"`
	ConfidenceWeightFilename float64 `mapstructure:"confidence_weight_filename"`

	// MaxOCRLength is parsed from its flag/env/file value by humanize.ParseBytes
	// rather than by viper's mapstructure decode, so it accepts humanized sizes
	// like "500KB" as well as plain byte counts.
	MaxOCRLength int `mapstructure:"-"`
	MinWords     int `mapstructure:"min_words"`

	AiAPIKey  string `mapstructure:"ai_api_key"`
	AiBaseURL string `mapstructure:"ai_base_url"`
	AiModel   string `mapstructure:"ai_model"`

	BatchConcurrency int `mapstructure:"batch_concurrency"`
}

// Defaults returns the documented defaults for every recognized key.
func Defaults() Config {
	return Config{
		FuzzyMatchThreshold:      75,
		LSHThreshold:             0.7,
		MinHashNumPerm:           128,
		ConfidenceWeightJaccard:  1,
		ConfidenceWeightFuzzy:    1,
		ConfidenceWeightMetadata: 1,
		ConfidenceWeightFilename: 1,
		MaxOCRLength:             500_000,
		MinWords:                 20,
		AiModel:                  "gpt-4o-mini",
		BatchConcurrency:         2,
	}
}

// keyDefs drives both flag registration and viper key binding, so the two
// never drift apart.
type keyDef struct {
	key   string
	flag  string
	usage string
}

var stringKeys = []keyDef{
	{"paperless_url", "paperless-url", "Paperless-NGX base URL"},
	{"paperless_api_token", "paperless-api-token", "Paperless-NGX API token"},
	{"paperless_username", "paperless-username", "Paperless-NGX username, used if no token is set"},
	{"paperless_password", "paperless-password", "Paperless-NGX password, used if no token is set"},
	{"ai_api_key", "ai-api-key", "API key for the optional AI enrichment collaborator"},
	{"ai_base_url", "ai-base-url", "Override base URL for the AI enrichment collaborator"},
	{"ai_model", "ai-model", "Model name for the optional AI enrichment collaborator"},
}

var floatKeys = []keyDef{
	{"fuzzy_match_threshold", "fuzzy-match-threshold", "Minimum overall score (50-100) to persist a group"},
	{"lsh_threshold", "lsh-threshold", "MinHash-estimated jaccard floor (0.1-1.0)"},
	{"confidence_weight_jaccard", "confidence-weight-jaccard", "Relative weight of the jaccard signal"},
	{"confidence_weight_fuzzy", "confidence-weight-fuzzy", "Relative weight of the fuzzy signal"},
	{"confidence_weight_metadata", "confidence-weight-metadata", "Relative weight of the metadata signal"},
	{"confidence_weight_filename", "confidence-weight-filename", "Relative weight of the filename signal"},
}

var intKeys = []keyDef{
	{"minhash_num_perm", "minhash-num-perm", "MinHash signature length H (64-256, power of two)"},
	{"min_words", "min-words", "Minimum word count for a document to be eligible"},
	{"batch_concurrency", "batch-concurrency", "Maximum concurrent batch operations"},
}

// maxOCRLengthKey is bound as a string flag, not an intKey, since its value
// is parsed with humanize.ParseBytes to accept sizes like "500KB".
var maxOCRLengthKey = keyDef{"max_ocr_length", "max-ocr-length", "Cap on stored full_text length (accepts humanized sizes, e.g. 500KB)"}

// Loader layers a config file, environment variables, and bound flags
// through its own viper instance; no process-global viper state is used.
type Loader struct {
	v         *viper.Viper
	cfgFile   string
	envPrefix string
}

// NewLoader creates a Loader. envPrefix namespaces environment variables
// (e.g. "PAPERLESS_DEDUPE" makes PAPERLESS_DEDUPE_PAPERLESS_URL override
// paperless_url).
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), envPrefix: envPrefix}
}

// BindFlags registers every recognized key as a flag on flags and
// binds it into the Loader's viper instance, so the eventual precedence is
// flags > environment > config file > defaults.
func (l *Loader) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&l.cfgFile, "config", "", "config file (default: $HOME/.paperless-dedupe.yaml or ./.paperless-dedupe.yaml)")

	defs := Defaults()
	for _, k := range stringKeys {
		flags.String(k.flag, "", k.usage)
		_ = l.v.BindPFlag(k.key, flags.Lookup(k.flag))
	}
	for _, k := range floatKeys {
		flags.Float64(k.flag, fieldFloat(defs, k.key), k.usage)
		_ = l.v.BindPFlag(k.key, flags.Lookup(k.flag))
	}
	for _, k := range intKeys {
		flags.Int(k.flag, fieldInt(defs, k.key), k.usage)
		_ = l.v.BindPFlag(k.key, flags.Lookup(k.flag))
	}

	flags.String(maxOCRLengthKey.flag, humanize.Bytes(uint64(defs.MaxOCRLength)), maxOCRLengthKey.usage)
	_ = l.v.BindPFlag(maxOCRLengthKey.key, flags.Lookup(maxOCRLengthKey.flag))
}

// ReadConfigFile locates and reads a config file the way
// eve.evalgo.org/cli.initConfig does: an explicit --config path, else
// $HOME/.paperless-dedupe.yaml, else ./.paperless-dedupe.yaml. A missing
// file is not an error; a malformed one is.
func (l *Loader) ReadConfigFile() error {
	if l.cfgFile != "" {
		l.v.SetConfigFile(l.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(home)
		}
		l.v.AddConfigPath(".")
		l.v.SetConfigType("yaml")
		l.v.SetConfigName(".paperless-dedupe")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return apperr.Wrap(apperr.InvalidConfig, "config.ReadConfigFile", err)
	}
	return nil
}

// Load resolves the final Config from defaults, config file, environment,
// and bound flags (in ascending precedence) and validates it.
func (l *Loader) Load() (Config, error) {
	defs := Defaults()
	l.v.SetDefault("fuzzy_match_threshold", defs.FuzzyMatchThreshold)
	l.v.SetDefault("lsh_threshold", defs.LSHThreshold)
	l.v.SetDefault("minhash_num_perm", defs.MinHashNumPerm)
	l.v.SetDefault("confidence_weight_jaccard", defs.ConfidenceWeightJaccard)
	l.v.SetDefault("confidence_weight_fuzzy", defs.ConfidenceWeightFuzzy)
	l.v.SetDefault("confidence_weight_metadata", defs.ConfidenceWeightMetadata)
	l.v.SetDefault("confidence_weight_filename", defs.ConfidenceWeightFilename)
	l.v.SetDefault("max_ocr_length", humanize.Bytes(uint64(defs.MaxOCRLength)))
	l.v.SetDefault("min_words", defs.MinWords)
	l.v.SetDefault("ai_model", defs.AiModel)
	l.v.SetDefault("batch_concurrency", defs.BatchConcurrency)

	if l.envPrefix != "" {
		l.v.SetEnvPrefix(l.envPrefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.InvalidConfig, "config.Load", err)
	}

	maxOCRLength, err := humanize.ParseBytes(l.v.GetString("max_ocr_length"))
	if err != nil {
		return Config{}, apperr.Wrap(apperr.InvalidConfig, "config.Load", err)
	}
	cfg.MaxOCRLength = int(maxOCRLength)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the recognized InvalidConfig conditions: confidence
// weights summing to zero or negative, minhash_num_perm not a power of two
// in range or not a multiple of the LSH row count, and thresholds out of
// range. fuzzy_match_threshold below 50 is clamped rather than rejected.
func (c *Config) Validate() error {
	if c.PaperlessURL == "" {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "paperless_url is required")
	}
	if c.PaperlessAPIToken == "" && (c.PaperlessUsername == "" || c.PaperlessPassword == "") {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "paperless_api_token or paperless_username+paperless_password is required")
	}

	if c.FuzzyMatchThreshold < 50 {
		c.FuzzyMatchThreshold = 50
	}
	if c.FuzzyMatchThreshold > 100 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "fuzzy_match_threshold must be <= 100")
	}

	if c.LSHThreshold < 0.1 || c.LSHThreshold > 1.0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "lsh_threshold must be in [0.1, 1.0]")
	}

	if c.MinHashNumPerm < 64 || c.MinHashNumPerm > 256 || c.MinHashNumPerm&(c.MinHashNumPerm-1) != 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "minhash_num_perm must be a power of two in [64, 256]")
	}
	if c.MinHashNumPerm%rowsPerBand != 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "minhash_num_perm must be a multiple of the LSH row count")
	}

	sumWeights := c.ConfidenceWeightJaccard + c.ConfidenceWeightFuzzy + c.ConfidenceWeightMetadata + c.ConfidenceWeightFilename
	if sumWeights <= 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "confidence weights must not sum to zero")
	}
	if c.ConfidenceWeightJaccard < 0 || c.ConfidenceWeightFuzzy < 0 || c.ConfidenceWeightMetadata < 0 || c.ConfidenceWeightFilename < 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "confidence weights must be non-negative")
	}

	if c.MaxOCRLength <= 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "max_ocr_length must be positive")
	}
	if c.MinWords < 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "min_words must not be negative")
	}
	if c.BatchConcurrency <= 0 {
		return apperr.New(apperr.InvalidConfig, "config.Validate", "batch_concurrency must be positive")
	}
	return nil
}

// PaperlessConfig builds the upstream collaborator config from c.
func (c Config) PaperlessConfig() paperless.Config {
	cfg := paperless.DefaultConfig()
	cfg.BaseURL = c.PaperlessURL
	cfg.APIToken = c.PaperlessAPIToken
	cfg.Username = c.PaperlessUsername
	cfg.Password = c.PaperlessPassword
	return cfg
}

// SyncEngineConfig builds the sync engine config from c.
func (c Config) SyncEngineConfig() syncengine.Config {
	cfg := syncengine.DefaultConfig()
	cfg.MaxOCRLength = c.MaxOCRLength
	cfg.MinWords = c.MinWords
	cfg.SignatureH = c.MinHashNumPerm
	return cfg
}

// AIConfig builds the optional AI enrichment collaborator config from c.
// AiAPIKey empty means the collaborator is not configured; callers check
// that before constructing one.
func (c Config) AIConfig() ai.Config {
	cfg := ai.DefaultConfig()
	cfg.APIKey = c.AiAPIKey
	cfg.BaseURL = c.AiBaseURL
	if c.AiModel != "" {
		cfg.Model = c.AiModel
	}
	return cfg
}

// LSHParams derives the (Bands, Rows) banding split from MinHashNumPerm,
// holding the row count fixed so Validate's "multiple of row count" check
// and the actual index construction never disagree.
func (c Config) LSHParams() lsh.Params {
	return lsh.Params{Bands: c.MinHashNumPerm / rowsPerBand, Rows: rowsPerBand}
}

// AnalysisConfig builds the analysis coordinator config from c.
func (c Config) AnalysisConfig() analysis.Config {
	cfg := analysis.DefaultConfig()
	cfg.Weights = scoring.Weights{
		Jaccard:  c.ConfidenceWeightJaccard,
		Fuzzy:    c.ConfidenceWeightFuzzy,
		Metadata: c.ConfidenceWeightMetadata,
		Filename: c.ConfidenceWeightFilename,
	}
	cfg.Thresholds = grouping.Thresholds{
		Overall: c.FuzzyMatchThreshold / 100,
		Fuzzy:   cfg.Thresholds.Fuzzy,
		Jaccard: c.LSHThreshold,
	}
	cfg.SignatureParams = types.SignatureParams{H: c.MinHashNumPerm, K: cfg.ShingleK}
	cfg.LSHParams = c.LSHParams()
	cfg.MinWords = c.MinWords
	return cfg
}

func fieldFloat(c Config, key string) float64 {
	switch key {
	case "fuzzy_match_threshold":
		return c.FuzzyMatchThreshold
	case "lsh_threshold":
		return c.LSHThreshold
	case "confidence_weight_jaccard":
		return c.ConfidenceWeightJaccard
	case "confidence_weight_fuzzy":
		return c.ConfidenceWeightFuzzy
	case "confidence_weight_metadata":
		return c.ConfidenceWeightMetadata
	case "confidence_weight_filename":
		return c.ConfidenceWeightFilename
	default:
		panic(fmt.Sprintf("config: unknown float key %q", key))
	}
}

func fieldInt(c Config, key string) int {
	switch key {
	case "minhash_num_perm":
		return c.MinHashNumPerm
	case "min_words":
		return c.MinWords
	case "batch_concurrency":
		return c.BatchConcurrency
	default:
		panic(fmt.Sprintf("config: unknown int key %q", key))
	}
}

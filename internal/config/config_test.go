package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.PaperlessURL = "https://paperless.example.com"
	cfg.PaperlessAPIToken = "token"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRequiresUpstreamAddress(t *testing.T) {
	cfg := validConfig()
	cfg.PaperlessURL = ""
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}

func TestValidateRequiresAuth(t *testing.T) {
	cfg := validConfig()
	cfg.PaperlessAPIToken = ""
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig without token or username/password, got %v", err)
	}

	cfg.PaperlessUsername = "user"
	cfg.PaperlessPassword = "pass"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config with username+password, got %v", err)
	}
}

func TestValidateClampsLowFuzzyThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.FuzzyMatchThreshold = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected clamp, not error: %v", err)
	}
	if cfg.FuzzyMatchThreshold != 50 {
		t.Errorf("expected clamp to 50, got %v", cfg.FuzzyMatchThreshold)
	}
}

func TestValidateRejectsFuzzyThresholdAboveRange(t *testing.T) {
	cfg := validConfig()
	cfg.FuzzyMatchThreshold = 101
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}

func TestValidateRejectsLSHThresholdOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.LSHThreshold = 0.05
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}

func TestValidateRejectsNonPowerOfTwoNumPerm(t *testing.T) {
	cfg := validConfig()
	cfg.MinHashNumPerm = 100
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig for non-power-of-two H, got %v", err)
	}
}

func TestValidateAcceptsEveryDocumentedNumPerm(t *testing.T) {
	for _, h := range []int{64, 128, 256} {
		cfg := validConfig()
		cfg.MinHashNumPerm = h
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected H=%d to validate, got %v", h, err)
		}
	}
}

func TestValidateRejectsZeroWeightSum(t *testing.T) {
	cfg := validConfig()
	cfg.ConfidenceWeightJaccard = 0
	cfg.ConfidenceWeightFuzzy = 0
	cfg.ConfidenceWeightMetadata = 0
	cfg.ConfidenceWeightFilename = 0
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig for zero weight sum, got %v", err)
	}
}

func TestValidateRejectsNegativeWeight(t *testing.T) {
	cfg := validConfig()
	cfg.ConfidenceWeightFuzzy = -1
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig for negative weight, got %v", err)
	}
}

func TestValidateRejectsNonPositiveBatchConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.BatchConcurrency = 0
	if err := cfg.Validate(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}

func TestAnalysisConfigDerivesLSHParamsFromNumPerm(t *testing.T) {
	cfg := validConfig()
	cfg.MinHashNumPerm = 256
	params := cfg.LSHParams()
	if params.Bands*params.Rows != cfg.MinHashNumPerm {
		t.Errorf("expected Bands*Rows == H, got %+v", params)
	}

	analysisCfg := cfg.AnalysisConfig()
	if analysisCfg.SignatureParams.H != 256 {
		t.Errorf("expected signature H to follow MinHashNumPerm, got %d", analysisCfg.SignatureParams.H)
	}
	if analysisCfg.LSHParams != params {
		t.Errorf("expected AnalysisConfig.LSHParams to match LSHParams(), got %+v vs %+v", analysisCfg.LSHParams, params)
	}
}

func TestLoadLayersFlagsOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	contents := "paperless_url: https://file.example.com\npaperless_api_token: filetoken\nfuzzy_match_threshold: 80\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loader := NewLoader("PAPERLESS_DEDUPE")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	loader.BindFlags(flags)

	if err := flags.Parse([]string{"--config", cfgPath, "--paperless-url", "https://flag.example.com"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := loader.ReadConfigFile(); err != nil {
		t.Fatalf("ReadConfigFile: %v", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PaperlessURL != "https://flag.example.com" {
		t.Errorf("expected flag to override file, got %q", cfg.PaperlessURL)
	}
	if cfg.PaperlessAPIToken != "filetoken" {
		t.Errorf("expected file value to survive when no flag set, got %q", cfg.PaperlessAPIToken)
	}
	if cfg.FuzzyMatchThreshold != 80 {
		t.Errorf("expected file value 80, got %v", cfg.FuzzyMatchThreshold)
	}
}

func TestLoadAppliesEnvOverFileButUnderFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	contents := "paperless_url: https://file.example.com\npaperless_api_token: filetoken\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("PAPERLESS_DEDUPE_PAPERLESS_URL", "https://env.example.com")
	t.Setenv("PAPERLESS_DEDUPE_PAPERLESS_API_TOKEN", "envtoken")

	loader := NewLoader("PAPERLESS_DEDUPE")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	loader.BindFlags(flags)
	if err := flags.Parse([]string{"--config", cfgPath, "--paperless-api-token", "flagtoken"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := loader.ReadConfigFile(); err != nil {
		t.Fatalf("ReadConfigFile: %v", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PaperlessURL != "https://env.example.com" {
		t.Errorf("expected env var to override file, got %q", cfg.PaperlessURL)
	}
	if cfg.PaperlessAPIToken != "flagtoken" {
		t.Errorf("expected flag to override env var, got %q", cfg.PaperlessAPIToken)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	loader := NewLoader("PAPERLESS_DEDUPE")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	loader.BindFlags(flags)
	if err := flags.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := loader.Load(); !apperr.Is(err, apperr.InvalidConfig) {
		t.Errorf("expected InvalidConfig with no paperless_url set, got %v", err)
	}
}

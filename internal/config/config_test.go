package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RideTTL != 2*time.Minute || cfg.DistanceTolerance != 1.2 {
		t.Fatalf("unexpected ride defaults %+v", cfg)
	}
	if len(cfg.SearchRadiiKm) != 3 || cfg.SearchRadiiKm[0] != 5 || cfg.SearchRadiiKm[2] != 20 {
		t.Fatalf("unexpected radii %v", cfg.SearchRadiiKm)
	}
	if cfg.SweepInterval != 10*time.Second || cfg.SweepBatch != 50 || cfg.StaleAfter != 30*time.Second {
		t.Fatalf("unexpected sweeper defaults %+v", cfg)
	}
	if cfg.StoreBackend != BackendMemory || cfg.GeoBackend != BackendMemory {
		t.Fatalf("unexpected backends %s/%s", cfg.StoreBackend, cfg.GeoBackend)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("STORE_BACKEND", "Mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("SEARCH_RADII_KM", "2, 4 ,8")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RIDE_TTL", "90s")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StoreBackend != BackendMongo || cfg.RideTTL != 90*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.SearchRadiiKm) != 3 || cfg.SearchRadiiKm[1] != 4 {
		t.Fatalf("radii: %v", cfg.SearchRadiiKm)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
}

func TestMissingBackendSettingIsFatal(t *testing.T) {
	cases := map[string]map[string]string{
		"mongo":    {"STORE_BACKEND": "mongo"},
		"postgres": {"STORE_BACKEND": "postgres"},
		"redis":    {"GEO_BACKEND": "redis"},
	}
	for dep, env := range cases {
		t.Run(dep, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadServerConfig()
			var fatal *models.FatalConfigError
			if !errors.As(err, &fatal) || fatal.Dependency != dep {
				t.Fatalf("expected fatal config error for %s, got %v", dep, err)
			}
		})
	}
}

func TestInvalidValuesJoined(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("RIDE_TTL", "soon")
	t.Setenv("SEARCH_RADII_KM", "10,5")
	t.Setenv("STORE_BACKEND", "cassandra")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"RIDE_TTL", "SEARCH_RADII_KM", "STORE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfigRequiresMongo(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	_, err := LoadConsumerConfig()
	var fatal *models.FatalConfigError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

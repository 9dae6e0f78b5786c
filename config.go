package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/dnldd/fusion/service"
	"github.com/joho/godotenv"
)

const (
	defaultStoreKind   = service.StoreSQLite
	defaultSQLitePath  = "fusion.db"
	defaultMetricsAddr = ":9090"
)

// Config is the configuration struct for the service.
type Config struct {
	// Markets represents the tracked markets.
	Markets []string
	// TuningFilepath is the filepath to the yaml tuning file.
	TuningFilepath string
	// ReplayFilepath is the filepath to recorded tick data to replay.
	ReplayFilepath string
	// StoreKind is the state store kind, one of sqlite, rqlite or redis.
	StoreKind string
	// SQLitePath is the sqlite database file path.
	SQLitePath string
	// DBEndpoint is the rqlite endpoint.
	DBEndpoint string
	// DBUser is the rqlite user.
	DBUser string
	// DBPass is the rqlite user pass.
	DBPass string
	// RedisAddr is the redis server address.
	RedisAddr string
	// RedisPass is the redis password.
	RedisPass string
	// KafkaBrokers are the event topic brokers.
	KafkaBrokers []string
	// KafkaTopic is the event topic.
	KafkaTopic string
	// MetricsAddr is the metrics listen address.
	MetricsAddr string

	registeredFlags map[string]bool
}

// applyDefaults fills unset optional fields.
func (cfg *Config) applyDefaults() {
	if cfg.StoreKind == "" {
		cfg.StoreKind = defaultStoreKind
	}
	if cfg.StoreKind == defaultStoreKind && cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no markets provided for fusion service"))
	}

	switch cfg.StoreKind {
	case service.StoreSQLite:
		if cfg.SQLitePath == "" {
			errs = errors.Join(errs, fmt.Errorf("sqlite path cannot be an empty string"))
		}
	case service.StoreRqlite:
		if cfg.DBEndpoint == "" {
			errs = errors.Join(errs, fmt.Errorf("db endpoint cannot be an empty string"))
		}
	case service.StoreRedis:
		if cfg.RedisAddr == "" {
			errs = errors.Join(errs, fmt.Errorf("redis address cannot be an empty string"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown store kind %q", cfg.StoreKind))
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		errs = errors.Join(errs, fmt.Errorf("kafka topic cannot be an empty string"))
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables as defaults.
	err = cfg.registerFlag("markets", &cfg.Markets, "the tracked markets")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("tuning", &cfg.TuningFilepath, "the tuning file path")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("replay", &cfg.ReplayFilepath, "the recorded tick data file path")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("store", &cfg.StoreKind, "the state store kind: sqlite, rqlite or redis")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("sqlitepath", &cfg.SQLitePath, "the sqlite database path")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbendpoint", &cfg.DBEndpoint, "the rqlite endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbuser", &cfg.DBUser, "the rqlite user")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbpass", &cfg.DBPass, "the rqlite pass")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("redisaddr", &cfg.RedisAddr, "the redis address")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("redispass", &cfg.RedisPass, "the redis password")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("kafkabrokers", &cfg.KafkaBrokers, "the event topic brokers")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("kafkatopic", &cfg.KafkaTopic, "the event topic")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("metricsaddr", &cfg.MetricsAddr, "the metrics listen address")
	if err != nil {
		return err
	}

	// Parse command-line flags.
	flag.Parse()

	cfg.applyDefaults()

	return cfg.Validate()
}

package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is stamped into every log line by the CLI.
var Version = "dev"

type EnvParser[T any] func(string) (T, error)

func GetenvString(s string) (string, error) {
	return strings.TrimSpace(s), nil
}

func GetenvInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func GetenvDuration(s string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(s))
}

func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

// Getenv reads key and parses it. An unset or blank variable yields def,
// or an error when required is set.
func Getenv[T any](parse EnvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse EnvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}

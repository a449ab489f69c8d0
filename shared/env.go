package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GetenvParser converts the raw value of an environment variable.
type GetenvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) {
	return raw, nil
}

func GetenvInt(raw string) (int, error) {
	return strconv.Atoi(raw)
}

func GetenvBool(raw string) (bool, error) {
	return strconv.ParseBool(raw)
}

func GetenvDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(raw)
}

// Getenv reads key and parses it. An unset or empty variable yields def, or an
// error when required is set.
func Getenv[T any](parse GetenvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is not set", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv that panics on error.
func MustGetenv[T any](parse GetenvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}

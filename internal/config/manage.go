package config

import (
	"fmt"
	"slices"
	"strconv"
)

// KeyInfo is one row of `astrorag config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value in cfg. Secrets show only
// their last four characters.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, len(specs))
	for i, s := range specs {
		v := fmt.Sprint(s.extract(cfg))
		if s.secret {
			v = redact(v)
		}
		out[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: v, Secret: s.secret}
	}
	return out
}

func redact(v string) string {
	r := []rune(v)
	switch {
	case len(r) == 0:
		return "(not set)"
	case len(r) <= 8:
		return "********"
	}
	return "…" + string(r[len(r)-4:])
}

// SetKey checks value against the key's type and persists it in the config
// file, or in the keychain for secrets.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), keychainSet, key, value)
}

func setKeyWith(b Backend, setSecret func(service, account, value string) error, key, value string) error {
	s, err := specFor(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	switch {
	case s.secret:
		if err := setSecret(keychainService, s.account(), value); err != nil {
			return fmt.Errorf("storing secret %s: %w", key, err)
		}
		return nil
	case s.typ == kInt:
		return b.SetInt(key, v.(int))
	case s.typ == kFloat:
		return b.SetString(key, strconv.FormatFloat(v.(float64), 'g', -1, 64))
	default:
		return b.SetString(key, fmt.Sprint(v))
	}
}

// UnsetKey drops a key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b Backend, key string) error {
	s, err := specFor(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("%s lives in the keychain; remove it there or unset %s", key, s.env)
	}
	return b.Delete(key)
}

func specFor(key string) (keySpec, error) {
	s, ok := lookupSpec(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key %q (see `astrorag config set --help`)", key)
	}
	return s, nil
}

// ValidKeys returns every key name in sorted order.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	slices.Sort(keys)
	return keys
}

// Package config loads daemon options from several sources.
//
// Options are declared once as pflags. The same flag name is looked up,
// in increasing priority, as a key in the config file ("poll-interval" is
// "poll.interval"), as an environment variable ("POLL_INTERVAL") and on the
// command line.
package config

import (
	"os"
	"strings"

	"github.com/Juanbuhler/zmlp-sub000/lib/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader reads a named config file (zmlp.yaml, zmlp.toml, ...) from the
// working directory or ./config.
type Loader struct {
	Name  string
	Paths []string
	v     *viper.Viper
}

func NewLoader(name string) *Loader {
	return &Loader{Name: name, Paths: []string{".", "config"}}
}

// Parse fills fs from the config file, the environment and args.
// args should not contain the program name.
func (l *Loader) Parse(fs *pflag.FlagSet, args []string) error {
	l.LoadConfigFile(fs)
	LoadEnv(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parse flags")
	}
	Print(fs)
	return nil
}

func (l *Loader) viper() *viper.Viper {
	if l.v != nil {
		return l.v
	}
	v := viper.New()
	v.SetConfigName(l.Name)
	for _, p := range l.Paths {
		v.AddConfigPath(p)
	}
	l.v = v
	return v
}

func (l *Loader) LoadConfigFile(fs *pflag.FlagSet) {
	flagNameToConfigKey := func(fname string) string {
		return strings.ToLower(strings.ReplaceAll(fname, "-", "."))
	}
	v := l.viper()
	if err := v.ReadInConfig(); err != nil {
		log.V(1).Info("no config file found", "name", l.Name)
		return
	}
	fs.VisitAll(func(f *pflag.Flag) {
		key := flagNameToConfigKey(f.Name)
		if !v.IsSet(key) {
			return
		}
		val := v.GetString(key)
		if sl, ok := f.Value.(pflag.SliceValue); ok {
			vals := v.GetStringSlice(key)
			_ = sl.Replace(vals)
			log.Info("config from file", "key", key, "value", vals)
			return
		}
		log.Info("config from file", "key", key, "value", val)
		_ = f.Value.Set(val)
	})
}

// StringSlice re-reads the config file and returns the value at key.
// It returns fallback when the file or the key doesn't exist.
func (l *Loader) StringSlice(key string, fallback []string) []string {
	v := l.viper()
	if err := v.ReadInConfig(); err != nil {
		return fallback
	}
	if !v.IsSet(key) {
		return fallback
	}
	return v.GetStringSlice(key)
}

func Print(fs *pflag.FlagSet) {
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			log.Info("config from flag", "flag", flag.Name, "value", flag.Value.String())
		}
	})
}

func LoadEnv(fs *pflag.FlagSet) {
	flagNameToEnvKey := func(fname string) string {
		return strings.ToUpper(strings.ReplaceAll(fname, "-", "_"))
	}
	fs.VisitAll(func(f *pflag.Flag) {
		envname := flagNameToEnvKey(f.Name)
		val, ok := os.LookupEnv(envname)
		if ok {
			log.Info("config from env", "env", envname, "value", val)
			_ = f.Value.Set(val)
		}
	})
}

package main

import (
	"io/fs"
	"net"
	"os/user"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "NBSFTP"

// config is what every subcommand needs to reach the server.
type config struct {
	Addr       string
	User       string
	Password   string
	Identity   string
	Passphrase string
	KnownHosts string
	Timeout    time.Duration
	Verbose    bool
	Stats      bool
}

func addConnectionFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default is $HOME/.nbsftp.yaml)")
	flags.StringP("addr", "a", "localhost:22", "server address, host:port")
	flags.StringP("user", "u", "", "user name (default is the local user)")
	flags.String("password", "", "password, when no identity is given")
	flags.StringP("identity", "i", "", "private key file for public key authentication")
	flags.String("passphrase", "", "passphrase of the identity file")
	flags.String("known-hosts", "~/.ssh/known_hosts", "known_hosts file used to verify the server")
	flags.Duration("timeout", 30*time.Second, "longest wait on the network before giving up")
	flags.BoolP("verbose", "v", false, "log protocol activity to stderr")
	flags.Bool("stats", false, "print session counters on exit")
}

// newViper layers the flags over the environment, an optional .env file and the config file.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "loading .env")
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".nbsftp")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	return v, nil
}

func loadConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Addr:       v.GetString("addr"),
		User:       v.GetString("user"),
		Password:   v.GetString("password"),
		Identity:   v.GetString("identity"),
		Passphrase: v.GetString("passphrase"),
		KnownHosts: v.GetString("known-hosts"),
		Timeout:    v.GetDuration("timeout"),
		Verbose:    v.GetBool("verbose"),
		Stats:      v.GetBool("stats"),
	}

	if cfg.Addr == "" {
		return nil, errors.New("no server address")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "22")
	}

	if cfg.User == "" {
		u, err := user.Current()
		if err != nil {
			return nil, errors.Wrap(err, "no user given")
		}
		cfg.User = u.Username
	}

	var err error
	if cfg.KnownHosts, err = homedir.Expand(cfg.KnownHosts); err != nil {
		return nil, err
	}
	if cfg.Identity, err = homedir.Expand(cfg.Identity); err != nil {
		return nil, err
	}

	return cfg, nil
}

package config

import (
	"time"

	"espota/services/tftp"
)

// Alias modes.
const (
	AliasModeAuto    = "auto"
	AliasModeSymlink = "symlink"
	AliasModeTable   = "table"
)

type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	Devices DevicesConfig
	Store   StoreConfig
	GitHub  GitHubConfig
	TFTP    TFTPConfig

	DatabaseURL  string
	NATSURL      string
	OTLPEndpoint string
}

type HTTPConfig struct {
	Port           int
	RequestTimeout time.Duration
	MaxUploadBytes int64
}

type LogConfig struct {
	Level    string
	ToStdout bool
	Dir      string
}

type DevicesConfig struct {
	Path         string
	Watch        bool
	PollInterval time.Duration
}

type StoreConfig struct {
	UploadPath         string
	AliasMode          string
	NormalizeUploadIDs bool
	HashCacheTTL       time.Duration
}

type GitHubConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

type TFTPConfig struct {
	Enabled bool
	tftp.Config
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
}

// HomeserverConfig points at the Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig holds the appservice registration details.
type AppserviceConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID           string `yaml:"id"`
	BotLocalpart string `yaml:"bot_localpart"`
	ASToken      string `yaml:"as_token"`
	HSToken      string `yaml:"hs_token"`
}

// BridgeConfig holds bridge behavior settings.
type BridgeConfig struct {
	// Owner is invited to the control room and to every room the bridge
	// creates, and is the only user whose commands are accepted.
	Owner id.UserID `yaml:"owner"`
	// UsernamePrefix is prepended to ghost user localparts. A ghost MXID
	// looks like @<prefix><org>__<zulip-user-id>:<domain>.
	UsernamePrefix      string `yaml:"username_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// StateFile is where organizations, mappings and correlations are
	// persisted between restarts.
	StateFile string `yaml:"state_file"`
	// SaveIntervalSeconds controls how often dirty state is flushed.
	SaveIntervalSeconds int `yaml:"save_interval_seconds"`
	// CorrelationLimit bounds remembered message correlations per room.
	CorrelationLimit int `yaml:"correlation_limit"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	FullName string
	Email    string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess parses templates and fills defaults.
func (c *Config) PostProcess() error {
	if c.Bridge.UsernamePrefix == "" {
		c.Bridge.UsernamePrefix = "zulip_"
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{{.FullName}} (Zulip)"
	}
	if c.Bridge.StateFile == "" {
		c.Bridge.StateFile = "zulipbridge-state.yaml"
	}
	if c.Bridge.SaveIntervalSeconds <= 0 {
		c.Bridge.SaveIntervalSeconds = 30
	}
	if c.Bridge.CorrelationLimit <= 0 {
		c.Bridge.CorrelationLimit = DefaultCorrelationLimit
	}
	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	return err
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_localpart")
	copyOrGenerateToken(helper, "as_token")
	copyOrGenerateToken(helper, "hs_token")
	helper.Copy(up.Str, "bridge", "owner")
	helper.Copy(up.Str, "bridge", "username_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "state_file")
	helper.Copy(up.Int, "bridge", "save_interval_seconds")
	helper.Copy(up.Int, "bridge", "correlation_limit")
}

// copyOrGenerateToken fills in a fresh token when the config still has
// the "generate" placeholder.
func copyOrGenerateToken(helper up.Helper, key string) {
	if token, ok := helper.Get(up.Str, "appservice", key); !ok || token == "generate" {
		helper.Set(up.Str, random.String(64), "appservice", key)
	} else {
		helper.Copy(up.Str, "appservice", key)
	}
}

// LoadConfig reads, upgrades and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	upgrader := &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
	data, _, err := up.Do(path, true, upgrader)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

// FormatDisplayname generates a ghost display name from the template.
func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.FullName
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.FullName
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ApplyOverrides lets operators override the runtime.* fields via
// OSDPGW_-prefixed environment variables or flags bound to fs, without
// touching the device list itself, which stays sourced from the YAML
// file. A flag named "control-socket" overrides runtime.control_socket,
// "trace-enabled" overrides runtime.trace_enabled, and so on.
func (c *Config) ApplyOverrides(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix("OSDPGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			v.BindPFlag("runtime."+strings.ReplaceAll(f.Name, "-", "_"), f)
		})
	}

	if v.IsSet("runtime.control_socket") {
		c.Runtime.ControlSocket = v.GetString("runtime.control_socket")
	}
	if v.IsSet("runtime.trace_enabled") {
		c.Runtime.TraceEnabled = v.GetBool("runtime.trace_enabled")
	}
	if v.IsSet("runtime.trace_capacity") {
		c.Runtime.TraceCapacity = v.GetInt("runtime.trace_capacity")
	}
	if v.IsSet("metrics.listen") {
		c.Metrics.Listen = v.GetString("metrics.listen")
	}
	if v.IsSet("log.level") {
		c.Log.Level = v.GetString("log.level")
	}
}

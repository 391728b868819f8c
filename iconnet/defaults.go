// Package iconnet holds application-wide defaults shared by the config loader and
// the command line.
package iconnet

const (
	DefaultAppName      = "iconnet"
	DefaultConfigPath   = "/etc/iconnet"
	DefaultDataDir      = "data"
	DefaultSessionDB    = "data/sessions.db"
	DefaultChromemPath  = "data/chromem"
	DefaultHTTPAddress  = ":8080"
	DefaultEnvPrefix    = "ICONNET"
	DefaultAirflowDagID = "iconnet_data_pipeline"
)

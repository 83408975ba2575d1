// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode"

	flags "github.com/jessevdk/go-flags"

	"github.com/anchornet/anchord/internal/version"
	"github.com/anchornet/anchord/sampleconfig"
)

const (
	defaultConfigFilename  = "anchord.conf"
	defaultDataDirname     = "data"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "anchord.log"
	defaultDBFilename      = "alerts.db"
	defaultServiceKeyname  = "service.key"
	defaultLogLevel        = "info"
	defaultListenAddr      = ":8179"
	defaultTLSCertFilename = "server.cert"
	defaultTLSKeyFilename  = "server.key"
	defaultSMTPPort        = 587
	defaultMinInterval     = time.Hour
	defaultContextTimeout  = 5 * time.Second
	defaultServiceName     = "anchord"
)

var (
	defaultHomeDir    = appDataDir("anchord")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for anchord.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `long:"appdata" description:"Path to application home directory"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Client-facing listener.
	Listeners   []string `long:"listen" description:"Add an interface/port to listen for client connections (default all interfaces port: 8179)"`
	DisableTLS  bool     `long:"notls" description:"Disable TLS for the client listener -- NOTE: This is only allowed behind a terminating proxy"`
	TLSCert     string   `long:"tlscert" description:"File containing the certificate file"`
	TLSKey      string   `long:"tlskey" description:"File containing the certificate key"`
	AltDNSNames []string `long:"altdnsnames" description:"Specify additional dns names to use when generating the tls certificate" env:"ANCHORD_ALT_DNSNAMES" env-delim:","`

	// Service identity and presentation.
	ServiceKeyFile     string `long:"servicekey" description:"File containing the hex-encoded service private key (generated when missing)"`
	ServiceName        string `long:"servicename" description:"Service name advertised in the info document and mail bodies"`
	ServiceURL         string `long:"serviceurl" description:"Public base URL used to build confirm and unsubscribe links"`
	ServiceIcon        string `long:"serviceicon" description:"Icon URL advertised in the info document"`
	ServiceDescription string `long:"servicedescription" description:"Description advertised in the info document"`

	// Upstream relay network.
	Relays    []string `long:"upstream" description:"Add an upstream relay websocket URL for feed evaluation (eg. wss://relay.example.com)"`
	Proxy     string   `long:"proxy" description:"Connect to upstream relays via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser string   `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string   `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Mail delivery.
	SMTPHost       string `long:"smtphost" description:"SMTP server host for digest and confirmation mail"`
	SMTPPort       int    `long:"smtpport" description:"SMTP server port"`
	SMTPUser       string `long:"smtpuser" description:"Username for SMTP server"`
	SMTPPass       string `long:"smtppass" default-mask:"-" description:"Password for SMTP server"`
	SMTPFrom       string `long:"smtpfrom" description:"Sender address for outgoing mail"`
	SMTPSkipVerify bool   `long:"smtpskipverify" description:"Do not verify the SMTP server TLS certificate -- NOTE: This is useful if the server is using a self-signed certificate"`

	// Alert evaluation limits.
	MinInterval    time.Duration `long:"mininterval" description:"Minimum mean interval allowed between digest schedule occurrences"`
	MaxEvents      int           `long:"maxevents" description:"Maximum number of primary events collected per digest evaluation (0 for no limit)"`
	ContextTimeout time.Duration `long:"contexttimeout" description:"Time allowed for the reply-context round of a digest evaluation"`
	PushPause      bool          `long:"pushpause" description:"Make push listeners honor the alert pause_until parameter"`

	// One-shot mode.
	RunJob string `long:"runjob" description:"Evaluate and deliver the digest for the given alert address once, then exit"`
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not
// caused by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// suppressUsageError creates an error that will suppress the usage output
// when encountered.
func suppressUsageError(str string) errSuppressUsage {
	return errSuppressUsage(str)
}

// appDataDir returns an operating system specific directory to be used for
// storing application data for the given application name.
func appDataDir(appName string) string {
	// The caller really shouldn't prepend the appName with a period, but
	// if they do, handle it gracefully by stripping it.
	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]

	// Get the OS specific home directory via the Go standard lib.
	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}

	// Fall back to standard HOME environment variable that works
	// for most POSIX OSes if the directory from the Go standard
	// lib failed.
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	switch runtime.GOOS {
	// Attempt to use the LOCALAPPDATA or APPDATA environment variable on
	// Windows.
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appNameUpper)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appName)
		}
	}

	// Fall back to the current directory if all else fails.
	return "."
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  For path "~", and "~/", assume ~ is
	// the home directory.
	userName := ""
	if i := strings.IndexAny(path, "/\\"); i != -1 {
		userName = path[1:i]
		path = path[i:]
	} else {
		userName = path[1:]
		path = ""
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// createDefaultConfigFile copies the sample config to the given destination
// path, creating the parent directory when needed.
func createDefaultConfigFile(destPath string) error {
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(sampleconfig.Anchord()), 0644)
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		} else if port == "" {
			addr = net.JoinHostPort(host, defaultPort)
		}
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in anchord functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:        defaultHomeDir,
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		SMTPPort:       defaultSMTPPort,
		MinInterval:    defaultMinInterval,
		ContextTimeout: defaultContextTimeout,
		ServiceName:    defaultServiceName,
	}

	// Pre-parse the command line options to see if an alternative config
	// file, the version flag, or the list commands flag was specified.  Any
	// errors aside from the help message error can be ignored here since
	// they will be caught by the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for anchord if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect
	// the new changes.
	if preCfg.HomeDir != defaultHomeDir {
		preCfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)

		cfg.HomeDir = preCfg.HomeDir
		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir,
				defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Create a default config file when one does not exist at the default
	// location, so the user has a commented template to start from.
	cfg.ConfigFile = cleanAndExpandPath(cfg.ConfigFile)
	if cfg.ConfigFile == filepath.Join(cfg.HomeDir, defaultConfigFilename) {
		if _, err := os.Stat(cfg.ConfigFile); os.IsNotExist(err) {
			err := createDefaultConfigFile(cfg.ConfigFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create "+
					"default config file: %v\n", err)
			}
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, err)
			var usageMessage = fmt.Sprintf("Use %s -h to show usage",
				appName)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		str := "%s: failed to create home directory: %v"
		err := suppressUsageError(fmt.Sprintf(str, funcName, err))
		return nil, nil, err
	}

	// Expand and create the data directory.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		str := "%s: failed to create data directory: %v"
		err := suppressUsageError(fmt.Sprintf(str, funcName, err))
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if !cfg.NoFileLogging {
		initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// At least one upstream relay is required since the feed engine has
	// nothing to evaluate against without one.
	if len(cfg.Relays) == 0 {
		str := "%s: at least one upstream relay must be specified " +
			"via --upstream"
		err := suppressUsageError(fmt.Sprintf(str, funcName))
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	for _, url := range cfg.Relays {
		if !strings.HasPrefix(url, "ws://") &&
			!strings.HasPrefix(url, "wss://") {

			str := "%s: upstream relay %q must be a ws:// or " +
				"wss:// URL"
			err := suppressUsageError(fmt.Sprintf(str, funcName, url))
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Fill in the defaults for the paths derived from the home and data
	// directories.
	if cfg.ServiceKeyFile == "" {
		cfg.ServiceKeyFile = filepath.Join(cfg.HomeDir,
			defaultServiceKeyname)
	}
	cfg.ServiceKeyFile = cleanAndExpandPath(cfg.ServiceKeyFile)
	if cfg.TLSCert == "" {
		cfg.TLSCert = filepath.Join(cfg.HomeDir, defaultTLSCertFilename)
	}
	cfg.TLSCert = cleanAndExpandPath(cfg.TLSCert)
	if cfg.TLSKey == "" {
		cfg.TLSKey = filepath.Join(cfg.HomeDir, defaultTLSKeyFilename)
	}
	cfg.TLSKey = cleanAndExpandPath(cfg.TLSKey)

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the default port.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{defaultListenAddr}
	}
	_, defaultPort, _ := net.SplitHostPort(defaultListenAddr)
	cfg.Listeners = normalizeAddresses(cfg.Listeners, defaultPort)

	// Validate the minimum digest interval.  Anything under a minute would
	// let a single alert hammer the upstream relays.
	if cfg.MinInterval < time.Minute {
		str := "%s: the minimum digest interval of %v is under the " +
			"allowed minimum of 1m"
		err := suppressUsageError(fmt.Sprintf(str, funcName,
			cfg.MinInterval))
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Mail delivery settings are only required when the SMTP host is set.
	// Without one the email channel is rejected at validation time, so a
	// push-only deployment needs no mail configuration at all.
	if cfg.SMTPHost != "" && cfg.SMTPFrom == "" {
		str := "%s: --smtpfrom is required when --smtphost is set"
		err := suppressUsageError(fmt.Sprintf(str, funcName))
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		anchLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

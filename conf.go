/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Program configuration
 */

package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
)

const (
	// ConfFileName defines a name of ippd configuration file
	ConfFileName = "ippd.conf"
)

// Configuration represents a program configuration
type Configuration struct {
	HTTPPort          int           `validate:"min=0,max=65535"` // 0 means 631 for root, 8631 otherwise
	ServerName        string        `validate:"omitempty,hostname_rfc1123|ip"`
	LoopbackOnly      bool          // Use only loopback interface
	IPV6Enable        bool          // Listen on IPv6
	MaxRequestSize    int64         `validate:"gt=0"`
	BackendBus        BusKind       // Bus printerd lives on
	BackendTimeout    time.Duration `validate:"gt=0"`
	BackendAtStartup  bool          // Connect to printerd at startup
	DNSSdEnable       bool          // Enable DNS-SD advertising
	LogMain           LogLevel      // Main log LogLevel mask
	LogConsole        LogLevel      // Console LogLevel mask
	LogMaxFileSize    int64         `validate:"gte=0"`
	LogMaxBackupFiles uint          `validate:"max=100"`
	ColorConsole      bool          // Enable ANSI colors on console
}

// Conf contains a global instance of program configuration
var Conf = ConfDefaults()

// ConfDefaults returns the default configuration
func ConfDefaults() Configuration {
	return Configuration{
		HTTPPort:          0,
		ServerName:        "",
		LoopbackOnly:      false,
		IPV6Enable:        true,
		MaxRequestSize:    MaxRequestSize,
		BackendBus:        BusSystem,
		BackendTimeout:    BackendCallTimeout,
		BackendAtStartup:  false,
		DNSSdEnable:       true,
		LogMain:           LogDebug | LogInfo | LogError,
		LogConsole:        LogDebug | LogInfo | LogError,
		LogMaxFileSize:    256 * 1024,
		LogMaxBackupFiles: 5,
		ColorConsole:      true,
	}
}

// Port returns the effective IPP port
func (conf *Configuration) Port() int {
	switch {
	case conf.HTTPPort != 0:
		return conf.HTTPPort
	case os.Geteuid() == 0:
		return HTTPPrivilegedPort
	}
	return HTTPUnprivilegedPort
}

// ConfLoad loads the program configuration. Configuration
// files are searched in the confDir (PathConfDir if empty)
// and then in the executable directory; later files override
// earlier ones
func ConfLoad(confDir string) error {
	if confDir == "" {
		confDir = PathConfDir
	}

	files := []string{filepath.Join(confDir, ConfFileName)}

	exepath, err := os.Executable()
	if err == nil {
		files = append(files,
			filepath.Join(filepath.Dir(exepath), ConfFileName))
	}

	conf := ConfDefaults()
	for _, file := range files {
		err = confLoadFile(&conf, file)
		if err != nil {
			return fmt.Errorf("conf: %s", err)
		}
	}

	if conf.ServerName == "" {
		conf.ServerName = confDefaultServerName(conf.LoopbackOnly)
	}

	Conf = conf
	return nil
}

// confLoadFile loads a single configuration file into conf.
// Missing file is not an error
func confLoadFile(conf *Configuration, path string) error {
	inifile, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return err
	}

	err = confLoadIni(conf, inifile)
	if err != nil {
		return fmt.Errorf("%s: %s", path, err)
	}

	return nil
}

// confLoadIni extracts options from the parsed ini file and
// validates the result
func confLoadIni(conf *Configuration, inifile *ini.File) error {
	type option struct {
		section, key string
		load         func(*ini.Key) error
	}

	options := []option{
		{"network", "http-port", func(k *ini.Key) error {
			return confLoadIPPortKey(&conf.HTTPPort, k)
		}},
		{"network", "server-name", func(k *ini.Key) error {
			name := strings.TrimSpace(k.String())
			if name == "" {
				return confBadValue(k, "must not be empty")
			}
			conf.ServerName = name
			return nil
		}},
		{"network", "interface", func(k *ini.Key) error {
			return confLoadBinaryKey(&conf.LoopbackOnly, k, "all", "loopback")
		}},
		{"network", "ipv6", func(k *ini.Key) error {
			return confLoadBinaryKey(&conf.IPV6Enable, k, "disable", "enable")
		}},
		{"network", "max-request-size", func(k *ini.Key) error {
			return confLoadSizeKey(&conf.MaxRequestSize, k)
		}},

		{"backend", "bus", func(k *ini.Key) error {
			var session bool
			err := confLoadBinaryKey(&session, k, "system", "session")
			if err == nil {
				conf.BackendBus = BusSystem
				if session {
					conf.BackendBus = BusSession
				}
			}
			return err
		}},
		{"backend", "timeout", func(k *ini.Key) error {
			return confLoadDurationKey(&conf.BackendTimeout, k)
		}},
		{"backend", "connect", func(k *ini.Key) error {
			return confLoadBinaryKey(&conf.BackendAtStartup, k, "lazy", "startup")
		}},

		{"dns-sd", "enable", func(k *ini.Key) error {
			return confLoadBinaryKey(&conf.DNSSdEnable, k, "disable", "enable")
		}},

		{"logging", "main-log", func(k *ini.Key) error {
			return confLoadLogLevelKey(&conf.LogMain, k)
		}},
		{"logging", "console-log", func(k *ini.Key) error {
			return confLoadLogLevelKey(&conf.LogConsole, k)
		}},
		{"logging", "console-color", func(k *ini.Key) error {
			return confLoadBinaryKey(&conf.ColorConsole, k, "disable", "enable")
		}},
		{"logging", "max-file-size", func(k *ini.Key) error {
			return confLoadSizeKey(&conf.LogMaxFileSize, k)
		}},
		{"logging", "max-backup-files", func(k *ini.Key) error {
			return confLoadUintKey(&conf.LogMaxBackupFiles, k)
		}},
	}

	for _, opt := range options {
		section, err := inifile.GetSection(opt.section)
		if err != nil {
			continue
		}

		key, err := section.GetKey(opt.key)
		if err != nil {
			continue
		}

		err = opt.load(key)
		if err != nil {
			return fmt.Errorf("[%s] %s", opt.section, err)
		}
	}

	return confValidate(conf)
}

// confHostname returns the host name of the machine
var confHostname = os.Hostname

// confDefaultServerName returns server name to be used when
// not configured explicitly: the host name, or localhost if
// listening on loopback only or host name is not usable
func confDefaultServerName(loopbackOnly bool) string {
	if !loopbackOnly {
		host, err := confHostname()
		if err == nil && confValidator.Var(host, "hostname_rfc1123") == nil {
			return host
		}
	}

	return "localhost"
}

// confValidator is the configuration validator
var confValidator = validator.New()

// confValidate validates the loaded configuration
func confValidate(conf *Configuration) error {
	err := confValidator.Struct(conf)
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: invalid value %v (%s)",
			e.Field(), e.Value(), e.Tag())
	}

	return err
}

// confBadValue creates "bad value" error
func confBadValue(key *ini.Key, format string, args ...interface{}) error {
	return fmt.Errorf(key.Name()+": "+format, args...)
}

// confLoadIPPortKey loads IP port key
func confLoadIPPortKey(out *int, key *ini.Key) error {
	port, err := key.Int()
	if err == nil && (port < 1 || port > 65535) {
		err = confBadValue(key, "must be in range 1...65535")
	} else if err != nil {
		err = confBadValue(key, "%q: invalid port", key.String())
	}

	if err != nil {
		return err
	}

	*out = port
	return nil
}

// confLoadBinaryKey loads the binary key
func confLoadBinaryKey(out *bool, key *ini.Key, vFalse, vTrue string) error {
	switch strings.TrimSpace(key.String()) {
	case vFalse:
		*out = false
		return nil
	case vTrue:
		*out = true
		return nil
	default:
		return confBadValue(key, "must be %s or %s", vFalse, vTrue)
	}
}

// confLoadLogLevelKey loads LogLevel key
func confLoadLogLevelKey(out *LogLevel, key *ini.Key) error {
	var mask LogLevel
	for _, s := range key.Strings(",") {
		switch s {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-ipp":
			mask |= LogTraceIPP | LogDebug | LogInfo | LogError
		case "trace-http":
			mask |= LogTraceHTTP | LogDebug | LogInfo | LogError
		case "trace-dbus":
			mask |= LogTraceDBus | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return confBadValue(key, "invalid log level %q", s)
		}
	}

	*out = mask
	return nil
}

// confLoadSizeKey loads size key, with optional K or M suffix
func confLoadSizeKey(out *int64, key *ini.Key) error {
	value := strings.TrimSpace(key.String())
	units := uint64(1)

	if l := len(value); l > 0 {
		switch value[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}

		if units != 1 {
			value = value[:l-1]
		}
	}

	sz, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return confBadValue(key, "%q: invalid size", key.String())
	}

	if sz > uint64(math.MaxInt64)/units {
		return confBadValue(key, "size too large")
	}

	*out = int64(sz * units)
	return nil
}

// confLoadDurationKey loads duration key. Plain numbers are seconds
func confLoadDurationKey(out *time.Duration, key *ini.Key) error {
	value := strings.TrimSpace(key.String())

	if secs, err := strconv.ParseUint(value, 10, 32); err == nil {
		*out = time.Duration(secs) * time.Second
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return confBadValue(key, "%q: invalid duration", value)
	}

	*out = d
	return nil
}

// confLoadUintKey loads unsigned integer key
func confLoadUintKey(out *uint, key *ini.Key) error {
	num, err := key.Uint()
	if err != nil {
		return confBadValue(key, "%q: invalid number", key.String())
	}

	*out = num
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const cliUsage = `erbulk - bulk edge redirects on shared cloudlet policies

Usage:
  erbulk POLICY [flags]

Flags:
  --parse CSV                    Build a new version of every bucket policy from CSV
  --delimiter D                  CSV field delimiter, "\t" for tab (default ",")
  --activate NETWORK...          Activate the saved versions on STAGING and/or PRODUCTION
  --deactivate NETWORK...        Deactivate the saved versions on STAGING and/or PRODUCTION
  --update-property PROPERTY...  Wire the bucket policies into the editable version of PROPERTY
  --config JSON                  Run state file (default "POLICY.json")
  --buckets N                    Number of bucket policies (default 32)
  --edgerc PATH                  Credentials file (default "~/.edgerc")
  --section NAME                 Credentials section (default "default")
  --account KEY                  Account switch key
  --dry-run                      Plan buckets and print them; no API calls, nothing saved
  --log-level LEVEL              debug, info, warn or error (default "info")
  --log-format FORMAT            text or json (default "text")
  -h, --help                     Show this help
  --version                      Print version and exit

Actions always run in the order parse, activate, deactivate, update-property.
Settings can also come from ERBULK_* environment variables, ./erbulk.yaml or
~/.erbulk.yaml; flags win.
`

// cliFlags holds parsed CLI flags.
type cliFlags struct {
	policy         string
	parse          string
	delimiter      string
	activate       []string
	deactivate     []string
	updateProperty []string
	config         string
	buckets        int
	edgerc         string
	section        string
	account        string
	dryRun         bool
	logLevel       string
	logFormat      string
	help           bool
	version        bool
}

func usageErrorf(format string, args ...any) error {
	return newRunError(KindUsage, "", fmt.Errorf(format, args...))
}

// parseCLIFlags accepts "--flag value" and "--flag=value". List flags take
// every following argument up to the next flag.
func parseCLIFlags(args []string) (cliFlags, error) {
	flags := cliFlags{delimiter: ","}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			if flags.policy != "" {
				return flags, usageErrorf("unexpected argument %q, only one POLICY is allowed", arg)
			}
			flags.policy = arg
			continue
		}

		name, inline, hasInline := strings.Cut(arg, "=")
		value := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			if i+1 >= len(args) {
				return "", usageErrorf("flag %s needs a value", name)
			}
			i++
			return args[i], nil
		}
		list := func() ([]string, error) {
			var out []string
			if hasInline {
				out = append(out, inline)
			}
			for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				out = append(out, args[i])
			}
			if len(out) == 0 {
				return nil, usageErrorf("flag %s needs at least one value", name)
			}
			return out, nil
		}

		var err error
		switch name {
		case "-h", "--help":
			flags.help = true
		case "--version":
			flags.version = true
		case "--dry-run":
			flags.dryRun = true
		case "--parse":
			flags.parse, err = value()
		case "--delimiter":
			flags.delimiter, err = value()
		case "--config":
			flags.config, err = value()
		case "--edgerc":
			flags.edgerc, err = value()
		case "--section":
			flags.section, err = value()
		case "--account":
			flags.account, err = value()
		case "--log-level":
			flags.logLevel, err = value()
		case "--log-format":
			flags.logFormat, err = value()
		case "--buckets":
			var v string
			if v, err = value(); err == nil {
				flags.buckets, err = strconv.Atoi(v)
				if err != nil || flags.buckets < 1 {
					err = usageErrorf("--buckets must be a positive integer, got %q", v)
				}
			}
		case "--activate":
			var v []string
			v, err = list()
			flags.activate = append(flags.activate, v...)
		case "--deactivate":
			var v []string
			v, err = list()
			flags.deactivate = append(flags.deactivate, v...)
		case "--update-property":
			var v []string
			v, err = list()
			flags.updateProperty = append(flags.updateProperty, v...)
		default:
			err = usageErrorf("unknown flag %s", name)
		}
		if err != nil {
			return flags, err
		}
	}
	return flags, nil
}

// runOptions turns parsed flags into orchestrator options.
func (f cliFlags) runOptions(s Settings) (RunOptions, error) {
	opts := RunOptions{
		Policy:           f.policy,
		ParseFile:        f.parse,
		Buckets:          f.buckets,
		Template:         s.Template,
		UpdateProperties: f.updateProperty,
		DryRun:           f.dryRun,
	}
	delim, err := parseDelimiter(f.delimiter)
	if err != nil {
		return opts, usageErrorf("%v", err)
	}
	opts.Delimiter = delim

	for _, n := range f.activate {
		network, err := NormalizeNetwork(n)
		if err != nil {
			return opts, usageErrorf("--activate: %v", err)
		}
		opts.Activate = append(opts.Activate, network)
	}
	for _, n := range f.deactivate {
		network, err := NormalizeNetwork(n)
		if err != nil {
			return opts, usageErrorf("--deactivate: %v", err)
		}
		opts.Deactivate = append(opts.Deactivate, network)
	}
	return opts, nil
}

func (f cliFlags) configPath() string {
	if f.config != "" {
		return f.config
	}
	return f.policy + ".json"
}

// runCLI runs one invocation and returns the process exit code.
func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, err := parseCLIFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, cliUsage)
		return 1
	}
	if flags.help {
		fmt.Fprint(stdout, cliUsage)
		return 0
	}
	if flags.version {
		fmt.Fprintf(stdout, "erbulk %s\n", version)
		return 0
	}
	if flags.policy == "" {
		fmt.Fprintf(stderr, "Error: POLICY is required\n\n%s", cliUsage)
		return 1
	}

	settings, err := LoadSettings(defaultSettingsFiles()...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	settings = settings.applyFlags(flags)

	log, err := newLogger(stderr, settings.LogLevel, settings.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts, err := flags.runOptions(settings)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, cliUsage)
		return 1
	}

	var api remoteAPI
	if opts.needsAPI() {
		client, err := NewEdgeGridClient(settings.Edgerc, settings.Section, settings.Account, log,
			WithMaxActivationAttempts(settings.MaxActivationAttempts))
		if err != nil {
			return fail(log, err)
		}
		api = client
	}

	orch := NewOrchestrator(NewConfigStore(flags.configPath(), log), api, log, stdout)
	if _, err := orch.Run(ctx, opts); err != nil {
		return fail(log, err)
	}
	return 0
}

// fail logs a fatal error with its kind and returns the exit code.
func fail(log *logrus.Logger, err error) int {
	log.WithField("kind", errorKind(err).String()).Error(err)
	return 1
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// remoteAPI is everything a run may ask of the remote APIs. *Client
// implements it.
type remoteAPI interface {
	policyAPI
	propertyAPI
	ActivatePolicyVersion(ctx context.Context, policyID, version int64, network, operation string) (Activation, error)
}

// RunOptions are the actions and inputs of one invocation. Networks must be
// normalized already.
type RunOptions struct {
	Policy           string
	ParseFile        string
	Delimiter        rune
	Activate         []string
	Deactivate       []string
	UpdateProperties []string
	Buckets          int
	Template         string
	DryRun           bool
}

func (o RunOptions) hasAction() bool {
	return o.ParseFile != "" || len(o.Activate) > 0 || len(o.Deactivate) > 0 || len(o.UpdateProperties) > 0
}

// needsAPI reports whether the run talks to the remote APIs at all.
func (o RunOptions) needsAPI() bool {
	return o.hasAction() && !o.DryRun
}

// Orchestrator runs the parse, activate, deactivate and update-property
// steps in that order, saving the run config after every step that changes
// remote state.
type Orchestrator struct {
	store    *ConfigStore
	api      remoteAPI
	log      *logrus.Logger
	out      io.Writer
	newRunID func() string
}

// NewOrchestrator creates an orchestrator. api may be nil for dry runs.
func NewOrchestrator(store *ConfigStore, api remoteAPI, log *logrus.Logger, out io.Writer) *Orchestrator {
	return &Orchestrator{
		store:    store,
		api:      api,
		log:      log,
		out:      out,
		newRunID: uuid.NewString,
	}
}

var errNoPolicies = errors.New("no policies in config, run --parse first")

// Run executes opts and returns the resulting run config.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunConfig, error) {
	if !opts.hasAction() {
		return RunConfig{}, usageErrorf("nothing to do, use at least one of --parse, --activate, --deactivate or --update-property")
	}
	if o.api == nil && !opts.DryRun {
		return RunConfig{}, newRunError(KindConfig, "", errors.New("no API client configured"))
	}

	cfg, err := o.store.Load(opts.Policy, opts.Buckets)
	if err != nil {
		return RunConfig{}, err
	}
	switch {
	case opts.Template != "":
		cfg = cfg.WithTemplate(opts.Template)
	case cfg.Template == "":
		cfg = cfg.WithTemplate(defaultTemplatePath())
	}

	runID := o.newRunID()
	entry := o.log.WithFields(logrus.Fields{"run_id": runID, "policy": opts.Policy})
	entry.WithFields(logrus.Fields{"buckets": cfg.Buckets, "config": o.store.Path(), "dry_run": opts.DryRun}).Info("run started")

	// Load the template up front so a broken template fails before anything
	// is created or activated.
	var tpl RuleTemplate
	if len(opts.UpdateProperties) > 0 {
		if tpl, err = LoadTemplate(cfg.Template); err != nil {
			return cfg, err
		}
	}

	if opts.DryRun {
		return cfg, o.dryRun(entry, cfg, opts)
	}

	if opts.ParseFile != "" {
		if cfg, err = o.parse(ctx, entry, cfg, opts, runID); err != nil {
			return cfg, err
		}
	}
	for _, network := range opts.Activate {
		if cfg, err = o.activate(ctx, entry, cfg, network, OperationActivate); err != nil {
			return cfg, err
		}
	}
	for _, network := range opts.Deactivate {
		if cfg, err = o.activate(ctx, entry, cfg, network, OperationDeactivate); err != nil {
			return cfg, err
		}
	}
	if len(opts.UpdateProperties) > 0 {
		if len(cfg.Policies) == 0 {
			return cfg, newRunError(KindConfig, "updating properties", errNoPolicies)
		}
		patcher := NewPatcher(o.api, o.log)
		for _, property := range opts.UpdateProperties {
			if err := patcher.UpdateProperty(ctx, property, tpl, cfg.Policies, cfg.Buckets); err != nil {
				return cfg, err
			}
		}
	}

	entry.Info("run finished")
	return cfg, nil
}

// readRows reads the redirect file and logs every skipped row.
func (o *Orchestrator) readRows(entry *logrus.Entry, opts RunOptions) (ParsedRows, error) {
	rows, err := ReadRowsFile(opts.ParseFile, opts.Delimiter)
	if err != nil {
		return rows, err
	}
	for _, d := range rows.Diagnostics {
		entry.WithFields(logrus.Fields{"file": opts.ParseFile, "line": d.Line}).Warn(d.Reason)
	}
	entry.WithFields(logrus.Fields{
		"file":      opts.ParseFile,
		"rows":      rows.Total,
		"accepted":  len(rows.Rules),
		"identical": rows.Identical,
		"skipped":   len(rows.Diagnostics),
	}).Info("parsed redirects")
	if len(rows.Rules) == 0 {
		return rows, newRunError(KindInput, "reading redirects", fmt.Errorf("no usable redirect rules in %s", opts.ParseFile))
	}
	return rows, nil
}

func (o *Orchestrator) parse(ctx context.Context, entry *logrus.Entry, cfg RunConfig, opts RunOptions, runID string) (RunConfig, error) {
	rows, err := o.readRows(entry, opts)
	if err != nil {
		return cfg, err
	}
	refs, err := NewBuilder(o.api, o.log).Build(ctx, cfg.PolicyName, rows.Rules, cfg.Buckets)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.WithParse(refs, opts.ParseFile, runID)
	if err := o.store.Save(cfg); err != nil {
		return cfg, err
	}
	writeBucketReport(o.out, PlanBuckets(cfg.PolicyName, rows.Rules, cfg.Buckets), refs)
	writeRowSummary(o.out, rows)
	return cfg, nil
}

// activate runs operation for every saved policy version on network. The
// activation IDs received so far are saved even when a later call fails.
func (o *Orchestrator) activate(ctx context.Context, entry *logrus.Entry, cfg RunConfig, network, operation string) (RunConfig, error) {
	if len(cfg.Policies) == 0 {
		return cfg, newRunError(KindConfig, "activating on "+network, errNoPolicies)
	}
	entry = entry.WithFields(logrus.Fields{"network": network, "operation": operation})
	entry.WithField("policies", len(cfg.Policies)).Info("submitting activations")

	refs := append([]PolicyRef(nil), cfg.Policies...)
	var runErr error
	for i, ref := range refs {
		act, err := o.api.ActivatePolicyVersion(ctx, ref.PolicyID, ref.Version, network, operation)
		if err != nil {
			runErr = err
			break
		}
		refs[i] = ref.withActivation(network, act.ID)
		entry.WithFields(logrus.Fields{
			"bucket":        i,
			"policy_id":     ref.PolicyID,
			"version":       ref.Version,
			"activation_id": string(act.ID),
		}).Info("activation submitted")
	}

	cfg = cfg.WithPolicies(refs)
	if err := o.store.Save(cfg); err != nil {
		return cfg, errors.Join(runErr, err)
	}
	return cfg, runErr
}

// dryRun reports what a real run would do without calling any API.
func (o *Orchestrator) dryRun(entry *logrus.Entry, cfg RunConfig, opts RunOptions) error {
	if opts.ParseFile != "" {
		rows, err := o.readRows(entry, opts)
		if err != nil {
			return err
		}
		writeBucketReport(o.out, PlanBuckets(cfg.PolicyName, rows.Rules, cfg.Buckets), nil)
		writeRowSummary(o.out, rows)
	}
	for _, network := range opts.Activate {
		entry.WithFields(logrus.Fields{"network": network, "policies": len(cfg.Policies)}).Info("dry run, skipping activation")
	}
	for _, network := range opts.Deactivate {
		entry.WithFields(logrus.Fields{"network": network, "policies": len(cfg.Policies)}).Info("dry run, skipping deactivation")
	}
	for _, property := range opts.UpdateProperties {
		entry.WithField("property", property).Info("dry run, skipping property update")
	}
	return nil
}

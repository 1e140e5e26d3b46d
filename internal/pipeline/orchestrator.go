package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"intake/internal/artifact"
	"intake/internal/attachments"
	"intake/internal/audit"
	"intake/internal/broker"
	"intake/internal/canonical"
	"intake/internal/casefile"
	"intake/internal/classify"
	"intake/internal/determinism"
	"intake/internal/evidence"
	"intake/internal/extract"
	"intake/internal/identity"
	"intake/internal/llm"
	"intake/internal/normalize"
	"intake/internal/platform/config"
	"intake/internal/platform/metrics"
	"intake/internal/route"
	"intake/pkg/fault"
)

// Deps wires the orchestrator. Store, blob store, audit logger, directory,
// scanner, and ruleset are required; the LLM adapter and case adapter are
// optional collaborators.
type Deps struct {
	Snapshot      *config.Snapshot
	Store         artifact.Store
	Blobs         artifact.BlobStore
	Audit         *audit.Logger
	Directory     identity.Directory
	Scanner       attachments.Scanner
	TextExtractor attachments.TextExtractor
	LLM           *llm.Adapter
	Ruleset       *route.Ruleset
	CaseAdapter   casefile.Adapter
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Orchestrator drives one message through the stage chain. Stages within a
// message run strictly sequentially; parallelism exists only across messages.
type Orchestrator struct {
	snapshot   *config.Snapshot
	binding    determinism.Binding
	store      artifact.Store
	blobs      artifact.BlobStore
	auditLog   *audit.Logger
	resolver   *identity.Resolver
	classifier *classify.Classifier
	extractor  *extract.Extractor
	scanner    attachments.Scanner
	texts      attachments.TextExtractor
	ruleset    *route.Ruleset
	cases      casefile.Adapter
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Snapshot == nil:
		return nil, fmt.Errorf("config snapshot is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("artifact store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("audit logger is required")
	case deps.Directory == nil:
		return nil, fmt.Errorf("directory adapter is required")
	case deps.Scanner == nil:
		return nil, fmt.Errorf("av scanner is required")
	case deps.Ruleset == nil:
		return nil, fmt.Errorf("routing ruleset is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	binding := deps.Snapshot.Binding()
	directory := withDirectoryDeadline(deps.Directory, deps.Snapshot.Timeouts.Directory.Std())

	resolver, err := identity.NewResolver(deps.Snapshot.Identity, binding, directory,
		identity.WithLogger(deps.Logger))
	if err != nil {
		return nil, err
	}
	classifier, err := classify.New(deps.Snapshot.Classification, binding,
		classify.WithLogger(deps.Logger),
		classify.WithAdapter(deps.LLM),
		classify.WithLLMDisabled(deps.Snapshot.Incident.DisableLLM),
	)
	if err != nil {
		return nil, err
	}
	extractor, err := extract.New(deps.Snapshot.Extraction, directory,
		extract.WithLogger(deps.Logger),
		extract.WithAdapter(deps.LLM),
	)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		snapshot:   deps.Snapshot,
		binding:    binding,
		store:      deps.Store,
		blobs:      deps.Blobs,
		auditLog:   deps.Audit,
		resolver:   resolver,
		classifier: classifier,
		extractor:  extractor,
		scanner:    deps.Scanner,
		texts:      deps.TextExtractor,
		ruleset:    deps.Ruleset,
		cases:      deps.CaseAdapter,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("intake/pipeline"),
		logger:     deps.Logger,
	}, nil
}

// Outcome is the result of one run.
type Outcome struct {
	MessageID  string
	RunID      string
	Decision   *route.Decision
	Stages     map[canonical.Stage]StageState
	FailClosed bool
}

// runCtx is the per-run working state. It never leaves the worker goroutine.
type runCtx struct {
	job        broker.Job
	raw        []byte
	rawRef     artifact.Ref
	nm         *normalize.Message
	nmRef      artifact.Ref
	atts       []attachments.Artifact
	attsRef    artifact.Ref
	identity   *identity.Result
	idRef      artifact.Ref
	classify   *classify.Result
	classRef   artifact.Ref
	extraction *extract.Result
	extRef     artifact.Ref
	routeDecision *route.Decision
	routeRef      artifact.Ref
	stages     map[canonical.Stage]StageState
}

// ProcessMessage executes the stage chain for one job. Decision-stage
// failures fail closed into a review routing decision; only transport-level
// failures (store, blob, broker) surface as errors for redelivery.
func (o *Orchestrator) ProcessMessage(ctx context.Context, job broker.Job) (outcome *Outcome, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.process_message")
	defer span.End()

	run := &runCtx{job: job, stages: make(map[canonical.Stage]StageState)}
	for _, s := range []canonical.Stage{
		canonical.StageNormalize, canonical.StageAttachments, canonical.StageIdentity,
		canonical.StageClassify, canonical.StageExtract, canonical.StageRoute,
	} {
		run.stages[s] = StatePending
	}

	defer func() {
		if r := recover(); r != nil {
			// Programmer error: convert to a fail-closed run, never crash
			// the worker.
			ferr := fault.New(fault.KindInternal, string(canonical.StageRoute),
				"panic", fmt.Sprintf("panic: %v", r))
			outcome, err = o.failClosedOutcome(ctx, run, canonical.StageRoute, ferr)
		}
	}()

	if err := retry(ctx, 3, 100*time.Millisecond, func() error {
		var gerr error
		run.raw, gerr = o.blobs.Get(ctx, job.RawMIMESHA256)
		return gerr
	}); err != nil {
		return nil, fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageIngest),
			"raw_mime_unavailable", "load raw message bytes")
	}
	run.rawRef = artifact.Ref{
		SchemaID: canonical.SchemaRawMIME,
		URI:      "raw/" + determinism.HexPart(job.RawMIMESHA256),
		SHA256:   job.RawMIMESHA256,
	}

	type stageFn struct {
		stage canonical.Stage
		fn    func(context.Context, *runCtx) error
	}
	chain := []stageFn{
		{canonical.StageNormalize, o.stageNormalize},
		{canonical.StageAttachments, o.stageAttachments},
		{canonical.StageIdentity, o.stageIdentity},
		{canonical.StageClassify, o.stageClassify},
		{canonical.StageExtract, o.stageExtract},
		{canonical.StageRoute, o.stageRoute},
	}

	for _, s := range chain {
		run.stages[s.stage] = StateRunning
		start := time.Now()
		err := s.fn(ctx, run)
		o.observeStage(s.stage, start, err)
		if err != nil {
			run.stages[s.stage] = StateFailedClosed
			if fault.Is(err, fault.KindDependencyUnavailable) && s.stage != canonical.StageIdentity {
				// Transport trouble: let the broker redeliver.
				return nil, err
			}
			return o.failClosedOutcome(ctx, run, s.stage, err)
		}
		run.stages[s.stage] = StateDone
	}

	decision := run.decision()
	if o.metrics != nil && decision != nil {
		o.metrics.MessagesProcessed.WithLabelValues(decision.QueueID).Inc()
	}

	if err := o.stageCase(ctx, run); err != nil {
		return nil, err
	}

	return &Outcome{
		MessageID:  job.MessageID,
		RunID:      job.RunID,
		Decision:   decision,
		Stages:     run.stages,
		FailClosed: decision != nil && decision.FailClosed,
	}, nil
}

func (r *runCtx) decision() *route.Decision { return r.routeDecision }

func (o *Orchestrator) observeStage(stage canonical.Stage, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.StagesFailed.WithLabelValues(string(stage)).Inc()
	}
}

// persistStage writes a stage output idempotently under its job key and
// appends the stage audit event. A prior artifact under the same job key is
// observed and returned without new writes or events, except that a replay
// run re-executes the decision stages (IDENTITY, CLASSIFY, ROUTE).
type stageOutput struct {
	payload  []byte
	schemaID string
	hash     string
	evidence []evidence.Span
	model    *audit.ModelInfo
	rules    *audit.VersionRef
}

func (o *Orchestrator) persistStage(ctx context.Context, run *runCtx, stage canonical.Stage, inputRefs []artifact.Ref, build func() (*stageOutput, error)) (artifact.Ref, []byte, error) {
	rulesetSHA := ""
	if stage == canonical.StageRoute {
		rulesetSHA = o.ruleset.SHA256
	}
	jobID := JobKey(run.job.MessageID, stage, o.snapshot.SHA256, rulesetSHA, inputRefs)
	uri := ArtifactURI(run.job.MessageID, stage, jobID)

	// Job keys carry no run id, so a replay would otherwise resolve every
	// decision stage to the prior run's artifact instead of recomputing it.
	replayed := run.job.Replay && (stage == canonical.StageIdentity ||
		stage == canonical.StageClassify || stage == canonical.StageRoute)
	existing, err := o.store.ListByMessage(ctx, run.job.MessageID, string(stage))
	if err == nil && !replayed {
		for _, ref := range existing {
			if ref.URI == uri {
				data, gerr := o.store.Get(ctx, ref)
				if gerr == nil {
					return ref, data, nil
				}
			}
		}
	}

	out, err := build()
	if err != nil {
		return artifact.Ref{}, nil, err
	}

	ref := artifact.NewRef(out.schemaID, uri, out.payload)
	if err := retry(ctx, 3, 100*time.Millisecond, func() error {
		return o.store.PutIfAbsent(ctx, run.job.MessageID, string(stage), ref, out.payload)
	}); err != nil {
		return artifact.Ref{}, nil, fault.Wrap(err, fault.KindDependencyUnavailable, string(stage),
			"artifact_store_unavailable", "persist stage output")
	}

	inputRef := run.rawRef
	if len(inputRefs) > 0 {
		inputRef = inputRefs[0]
	}
	if _, err := o.auditLog.Append(ctx, audit.Event{
		MessageID:    run.job.MessageID,
		RunID:        run.job.RunID,
		Stage:        stage,
		ActorType:    audit.ActorSystem,
		CreatedAt:    o.eventTime(run),
		InputRef:     inputRef,
		OutputRef:    ref,
		DecisionHash: out.hash,
		ConfigRef: &audit.VersionRef{
			Path:   o.snapshot.Path,
			SHA256: o.snapshot.SHA256,
		},
		RulesRef: out.rules,
		ModelInfo: out.model,
		Evidence:  out.evidence,
	}); err != nil {
		return artifact.Ref{}, nil, err
	}
	return ref, out.payload, nil
}

// eventTime anchors audit timestamps to ingestion, keeping a replayed chain
// comparable to the original. Audit events carry timestamps; decision hashes
// never do.
func (o *Orchestrator) eventTime(run *runCtx) time.Time {
	if run.nm != nil {
		return run.nm.IngestedAt
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (o *Orchestrator) stageNormalize(ctx context.Context, run *runCtx) error {
	raws := attachmentsFromMIME(run.raw)
	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		ids = append(ids, attachments.DeriveID(run.job.MessageID, raw.SourceAttachmentID, determinism.SHA256(raw.Data)))
	}

	ref, payload, err := o.persistStage(ctx, run, canonical.StageNormalize, []artifact.Ref{run.rawRef}, func() (*stageOutput, error) {
		nm, err := normalize.Build(normalize.Input{
			RawMIME:         run.raw,
			MessageID:       run.job.MessageID,
			RunID:           run.job.RunID,
			IngestedAt:      time.Now(),
			ReceivedAt:      time.Now(),
			IngestionSource: run.job.Source,
			RawMIMEURI:      run.rawRef.URI,
			RawMIMESHA256:   run.job.RawMIMESHA256,
			AttachmentIDs:   ids,
		})
		if err != nil {
			return nil, err
		}
		if err := artifact.ValidateStruct(nm); err != nil {
			return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageNormalize),
				"normalized_message_invalid", "validate normalized message")
		}
		payload, err := marshalArtifact(nm)
		if err != nil {
			return nil, err
		}
		return &stageOutput{payload: payload, schemaID: canonical.SchemaNormalizedMessage}, nil
	})
	if err != nil {
		return err
	}

	var nm normalize.Message
	if err := json.Unmarshal(payload, &nm); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageNormalize),
			"artifact_decode_failed", "decode normalized message")
	}
	run.nm = &nm
	run.nmRef = ref
	return nil
}

// attachmentSet is the ATTACHMENTS stage artifact: all attachment records of
// the message in canonical order.
type attachmentSet struct {
	SchemaID    string                 `json:"schema_id"`
	MessageID   string                 `json:"message_id"`
	RunID       string                 `json:"run_id"`
	Attachments []attachments.Artifact `json:"attachments"`
}

func (o *Orchestrator) stageAttachments(ctx context.Context, run *runCtx) error {
	ref, payload, err := o.persistStage(ctx, run, canonical.StageAttachments, []artifact.Ref{run.nmRef}, func() (*stageOutput, error) {
		raws := attachmentsFromMIME(run.raw)
		arts := make([]attachments.Artifact, 0, len(raws))
		for _, raw := range raws {
			sha, err := o.blobs.Put(ctx, raw.Data)
			if err != nil {
				return nil, fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageAttachments),
					"blob_store_unavailable", "store attachment bytes")
			}
			art, err := attachments.Process(ctx, run.job.MessageID, raw, sha, o.scanner, o.texts)
			if err != nil {
				return nil, err
			}
			arts = append(arts, art)
		}
		attachments.SortCanonical(arts)
		payload, err := marshalArtifact(attachmentSet{
			SchemaID:    canonical.SchemaAttachmentSet,
			MessageID:   run.job.MessageID,
			RunID:       run.job.RunID,
			Attachments: arts,
		})
		if err != nil {
			return nil, err
		}
		return &stageOutput{payload: payload, schemaID: canonical.SchemaAttachmentSet}, nil
	})
	if err != nil {
		return err
	}

	var set attachmentSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageAttachments),
			"artifact_decode_failed", "decode attachment set")
	}
	run.atts = set.Attachments
	run.attsRef = ref
	return nil
}

func (o *Orchestrator) stageIdentity(ctx context.Context, run *runCtx) error {
	ref, payload, err := o.persistStage(ctx, run, canonical.StageIdentity, []artifact.Ref{run.nmRef, run.attsRef}, func() (*stageOutput, error) {
		result, rerr := o.resolver.Resolve(ctx, identity.Input{
			Message:         run.nm,
			AttachmentTexts: attachments.CleanTexts(run.atts),
		})
		if result == nil {
			return nil, rerr
		}
		// A directory outage still yields a valid NEEDS_REVIEW artifact;
		// the fail-closed routing happens downstream.
		payload, err := marshalArtifact(result)
		if err != nil {
			return nil, err
		}
		var spans []evidence.Span
		if len(result.TopK) > 0 {
			spans = result.TopK[0].Evidence
		}
		return &stageOutput{
			payload:  payload,
			schemaID: canonical.SchemaIdentityResolution,
			hash:     result.DecisionHash,
			evidence: spans,
		}, nil
	})
	if err != nil {
		return err
	}

	var result identity.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageIdentity),
			"artifact_decode_failed", "decode identity result")
	}
	run.identity = &result
	run.idRef = ref
	return nil
}

func (o *Orchestrator) stageClassify(ctx context.Context, run *runCtx) error {
	ref, payload, err := o.persistStage(ctx, run, canonical.StageClassify, []artifact.Ref{run.nmRef, run.attsRef}, func() (*stageOutput, error) {
		result, err := o.classifier.Classify(ctx, run.nm, run.atts)
		if err != nil {
			return nil, err
		}
		if !result.ValidateLabels() {
			return nil, fault.New(fault.KindValidation, string(canonical.StageClassify),
				"label_not_canonical", "classification produced a non-canonical label")
		}
		if err := artifact.ValidateStruct(result); err != nil {
			return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageClassify),
				"classification_invalid", "validate classification result")
		}
		payload, merr := marshalArtifact(result)
		if merr != nil {
			return nil, merr
		}
		var model *audit.ModelInfo
		if result.Model != nil {
			model = &audit.ModelInfo{
				Provider:     result.Model.Provider,
				ModelID:      result.Model.ModelID,
				PromptSHA256: result.Model.PromptSHA256,
			}
		}
		return &stageOutput{
			payload:  payload,
			schemaID: canonical.SchemaClassification,
			hash:     result.DecisionHash,
			evidence: classifyEvidence(result),
			model:    model,
			rules: &audit.VersionRef{
				Path:    "classify/rules",
				SHA256:  determinism.SHA256Text(result.RulesVersion),
				Version: result.RulesVersion,
			},
		}, nil
	})
	if err != nil {
		return err
	}

	var result classify.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageClassify),
			"artifact_decode_failed", "decode classification result")
	}
	run.classify = &result
	run.classRef = ref
	return nil
}

func (o *Orchestrator) stageExtract(ctx context.Context, run *runCtx) error {
	ref, payload, err := o.persistStage(ctx, run, canonical.StageExtract, []artifact.Ref{run.classRef}, func() (*stageOutput, error) {
		result, err := o.extractor.Extract(ctx, run.nm, run.classify.LLMUsed)
		if err != nil {
			return nil, err
		}
		if err := artifact.ValidateStruct(result); err != nil {
			return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageExtract),
				"extraction_invalid", "validate extraction result")
		}
		payload, merr := marshalArtifact(result)
		if merr != nil {
			return nil, merr
		}
		return &stageOutput{payload: payload, schemaID: canonical.SchemaExtraction}, nil
	})
	if err != nil {
		return err
	}

	var result extract.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageExtract),
			"artifact_decode_failed", "decode extraction result")
	}
	run.extraction = &result
	run.extRef = ref
	return nil
}

func (o *Orchestrator) stageRoute(ctx context.Context, run *runCtx) error {
	ref, payload, err := o.persistStage(ctx, run, canonical.StageRoute, []artifact.Ref{run.idRef, run.classRef, run.extRef}, func() (*stageOutput, error) {
		rctx := route.Context{
			IdentityStatus:          run.identity.Status,
			PrimaryIntent:           canonical.Intent(run.classify.PrimaryIntent.Label),
			ProductLine:             canonical.ProductLine(run.classify.ProductLine.Label),
			Urgency:                 canonical.Urgency(run.classify.Urgency.Label),
			RiskFlags:               run.classify.RiskFlagSet(),
			ClassifyFailClosed:      run.classify.FailClosed,
			ClassifyFailReason:      run.classify.FailReason,
			HasAuthoritativeProduct: hasAuthoritativeProduct(run.extraction),
			RequestInfoAvailable:    identity.RenderRequestInfoDraft(run.nm.Language, string(run.identity.Status)) != "",
		}
		decision, err := route.Evaluate(o.binding, o.ruleset, o.snapshot.Incident, rctx,
			run.job.MessageID, run.job.RunID, run.nm.Fingerprint, run.nm.RawMIMESHA256)
		if err != nil {
			return nil, err
		}
		if err := artifact.ValidateStruct(decision); err != nil {
			return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageRoute),
				"routing_decision_invalid", "validate routing decision")
		}
		if o.metrics != nil && decision.FailClosed {
			o.metrics.FailClosed.WithLabelValues(decision.FailClosedReason).Inc()
		}
		payload, merr := marshalArtifact(decision)
		if merr != nil {
			return nil, merr
		}
		return &stageOutput{
			payload:  payload,
			schemaID: canonical.SchemaRoutingDecision,
			hash:     decision.DecisionHash,
			rules: &audit.VersionRef{
				Path:    o.ruleset.Path,
				SHA256:  o.ruleset.SHA256,
				Version: o.ruleset.Version,
			},
		}, nil
	})
	if err != nil {
		return err
	}

	var decision route.Decision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return fault.Wrap(err, fault.KindIntegrity, string(canonical.StageRoute),
			"artifact_decode_failed", "decode routing decision")
	}
	run.routeDecision = &decision
	run.routeRef = ref
	return nil
}

// stageCase drives the case adapter per the routing actions. Adapter trouble
// is transport-level: bounded retry here, dead-letter in the worker.
func (o *Orchestrator) stageCase(ctx context.Context, run *runCtx) error {
	decision := run.routeDecision
	if decision == nil || o.cases == nil {
		return nil
	}
	if !hasAction(decision.Actions, canonical.ActionCreateCase) {
		return nil
	}

	key := casefile.IdempotencyKey(run.nm.Fingerprint, decision.RuleID, decision.RulesetVersion, "create_case")
	var caseID string
	if err := retry(ctx, 3, 200*time.Millisecond, func() error {
		cctx, cancel := context.WithTimeout(ctx, o.snapshot.Timeouts.CaseAdapter.Std())
		defer cancel()
		var cerr error
		caseID, cerr = o.cases.CreateOrUpdate(cctx, key, casefile.Payload{
			QueueID:   decision.QueueID,
			SLAID:     decision.SLAID,
			Priority:  decision.Priority,
			MessageID: run.job.MessageID,
			Artifacts: []artifact.Ref{run.nmRef, run.idRef, run.classRef, run.extRef, run.routeRef},
		})
		return cerr
	}); err != nil {
		return fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageCase),
			"case_adapter_unavailable", "create or update case")
	}

	if hasAction(decision.Actions, canonical.ActionAttachOriginalEmail) {
		if err := o.cases.Attach(ctx, caseID, run.rawRef); err != nil {
			return fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageCase),
				"case_adapter_unavailable", "attach original email")
		}
	}
	if hasAction(decision.Actions, canonical.ActionAttachAllFiles) && run.attsRef.SHA256 != "" {
		if err := o.cases.Attach(ctx, caseID, run.attsRef); err != nil {
			return fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageCase),
				"case_adapter_unavailable", "attach files")
		}
	}
	if hasAction(decision.Actions, canonical.ActionAddRequestInfoDraft) {
		draft := identity.RenderRequestInfoDraft(run.nm.Language, string(run.identity.Status))
		if draft != "" {
			if err := o.cases.AddDraft(ctx, caseID, draft); err != nil {
				return fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageCase),
					"case_adapter_unavailable", "add request-info draft")
			}
		}
	}

	run.stages[canonical.StageCase] = StateDone
	_, err := o.auditLog.Append(ctx, audit.Event{
		MessageID: run.job.MessageID,
		RunID:     run.job.RunID,
		Stage:     canonical.StageCase,
		ActorType: audit.ActorSystem,
		CreatedAt: o.eventTime(run),
		InputRef:  run.routeRef,
		OutputRef: run.routeRef,
		ConfigRef: &audit.VersionRef{Path: o.snapshot.Path, SHA256: o.snapshot.SHA256},
	})
	return err
}

// failClosedOutcome is the backstop: a review routing decision for a stage
// that could not produce schema-valid output.
func (o *Orchestrator) failClosedOutcome(ctx context.Context, run *runCtx, stage canonical.Stage, cause error) (*Outcome, error) {
	reason := fault.ReasonOf(cause)
	o.logger.ErrorContext(ctx, "stage failed closed",
		"message_id", run.job.MessageID,
		"stage", stage,
		"reason", reason,
		"error", cause,
	)
	if o.metrics != nil {
		o.metrics.FailClosed.WithLabelValues(reason).Inc()
	}

	fingerprint, rawSHA := "", run.job.RawMIMESHA256
	if run.nm != nil {
		fingerprint = run.nm.Fingerprint
		rawSHA = run.nm.RawMIMESHA256
	}
	decision, err := route.FailClosedDecision(o.binding, o.ruleset, stage, reason,
		run.job.MessageID, run.job.RunID, fingerprint, rawSHA)
	if err != nil {
		return nil, err
	}
	payload, err := marshalArtifact(decision)
	if err != nil {
		return nil, err
	}

	jobID := JobKey(run.job.MessageID, canonical.StageRoute, o.snapshot.SHA256, o.ruleset.SHA256, []artifact.Ref{run.rawRef})
	uri := ArtifactURI(run.job.MessageID, canonical.StageRoute, jobID)
	ref := artifact.NewRef(canonical.SchemaRoutingDecision, uri, payload)
	if err := o.store.PutIfAbsent(ctx, run.job.MessageID, string(canonical.StageRoute), ref, payload); err != nil {
		return nil, fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageRoute),
			"artifact_store_unavailable", "persist fail-closed decision")
	}
	if _, err := o.auditLog.Append(ctx, audit.Event{
		MessageID:    run.job.MessageID,
		RunID:        run.job.RunID,
		Stage:        canonical.StageRoute,
		ActorType:    audit.ActorSystem,
		CreatedAt:    o.eventTime(run),
		InputRef:     run.rawRef,
		OutputRef:    ref,
		DecisionHash: decision.DecisionHash,
		ConfigRef:    &audit.VersionRef{Path: o.snapshot.Path, SHA256: o.snapshot.SHA256},
	}); err != nil {
		return nil, err
	}

	run.routeDecision = decision
	run.stages[canonical.StageRoute] = StateFailedClosed
	return &Outcome{
		MessageID:  run.job.MessageID,
		RunID:      run.job.RunID,
		Decision:   decision,
		Stages:     run.stages,
		FailClosed: true,
	}, nil
}

func classifyEvidence(result *classify.Result) []evidence.Span {
	var out []evidence.Span
	add := func(items []classify.Labeled) {
		for _, it := range items {
			out = append(out, it.Evidence...)
		}
	}
	add(result.Intents)
	add(result.RiskFlags)
	add([]classify.Labeled{result.ProductLine, result.Urgency})
	return out
}

func hasAuthoritativeProduct(result *extract.Result) bool {
	if result == nil {
		return false
	}
	for _, e := range result.Entities {
		if (e.EntityType == canonical.EntPolicyNumber || e.EntityType == canonical.EntClaimNumber) && !e.DirectoryMiss {
			return true
		}
	}
	return false
}

func hasAction(actions []string, action canonical.Action) bool {
	for _, a := range actions {
		if a == string(action) {
			return true
		}
	}
	return false
}

// marshalArtifact renders stage artifacts with a fixed field order and a
// trailing newline, so content addressing agrees across processes.
func marshalArtifact(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "", "artifact_encode_failed", "encode artifact")
	}
	return append(data, '\n'), nil
}

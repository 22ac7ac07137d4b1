package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resilstack/resilience-engine/internal/models"
)

// Step kinds understood by the executor. Unknown kinds fail the step.
const (
	StepClearCache       = "clear_cache"
	StepRestartService   = "restart_service"
	StepResetConnections = "reset_connections"
	StepScaleResources   = "scale_resources"
	StepSelfHeal         = "self_heal"
	StepDegrade          = "degrade"
	StepNotify           = "notify"
	StepRunProbe         = "run_probe"
)

// stepHandler executes one step kind and returns human-readable output.
type stepHandler func(ctx context.Context, o *Orchestrator, step models.RecoveryStep) (string, error)

// stepHandlers dispatches step kinds without a switch, so new kinds register
// in one place.
var stepHandlers = map[string]stepHandler{
	StepClearCache:       opHandler("clear_cache"),
	StepRestartService:   opHandler("restart_service"),
	StepResetConnections: opHandler("reset_connections"),
	StepScaleResources:   opHandler("scale_resources"),
	StepRunProbe:         opHandler("probe"),
	StepSelfHeal:         runSelfHeal,
	StepDegrade:          runDegrade,
	StepNotify:           runNotify,
}

// opHandler builds a handler that invokes a named remediation operation
// through the circuit gate for the step's target.
func opHandler(operation string) stepHandler {
	return func(ctx context.Context, o *Orchestrator, step models.RecoveryStep) (string, error) {
		var output string
		err := o.gate.Execute(ctx, step.Target, func(callCtx context.Context) error {
			out, opErr := o.remediator.ExecuteOperation(callCtx, operation, step.Target, step.Parameters)
			output = out
			return opErr
		})
		return output, err
	}
}

func runSelfHeal(ctx context.Context, o *Orchestrator, step models.RecoveryStep) (string, error) {
	if o.healer == nil {
		return "", fmt.Errorf("self-healing not available")
	}
	issueType := step.Parameters["issueType"]
	if issueType == "" {
		issueType = step.Type
	}
	attempt, err := o.healer.ForceHealing(ctx, issueType, step.Target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("healing attempt %s finished with status %s", attempt.ID, attempt.Status), nil
}

func runDegrade(ctx context.Context, o *Orchestrator, step models.RecoveryStep) (string, error) {
	if o.degrader == nil {
		return "", fmt.Errorf("degradation engine not available")
	}
	if err := o.degrader.Activate(ctx, step.Target, "recovery step"); err != nil {
		return "", err
	}
	return "degradation rule " + step.Target + " activated", nil
}

func runNotify(ctx context.Context, o *Orchestrator, step models.RecoveryStep) (string, error) {
	if o.notifier == nil {
		return "", fmt.Errorf("notifier not available")
	}
	channel := step.Parameters["channel"]
	if channel == "" {
		channel = "slack"
	}
	subject := step.Parameters["subject"]
	if subject == "" {
		subject = "Automated recovery in progress"
	}
	if err := o.notifier.Send(ctx, channel, step.Target, subject, step.Parameters["message"]); err != nil {
		return "", err
	}
	return "notified " + step.Target, nil
}

// runSteps executes one phase of an action's protocol, appending a record per
// step to the attempt. abortEarly stops the phase at the first failed step.
// It reports whether every executed step succeeded.
func (o *Orchestrator) runSteps(ctx context.Context, attempt *models.RecoveryAttempt, phase string, steps []models.RecoveryStep, abortEarly bool) bool {
	allOK := true
	for _, step := range steps {
		record := o.runStep(ctx, phase, step)
		o.appendStep(attempt, record)
		if record.Status != "success" {
			allOK = false
			if abortEarly {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return allOK
}

func (o *Orchestrator) runStep(ctx context.Context, phase string, step models.RecoveryStep) models.StepExecution {
	record := models.StepExecution{
		Step:      step,
		Phase:     phase,
		StartTime: o.now(),
		Status:    "failed",
	}

	handler, ok := stepHandlers[step.Type]
	if !ok {
		record.Error = fmt.Sprintf("unknown step type %q", step.Type)
		record.EndTime = o.now()
		return record
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempts := step.Retries + 1
	var output string
	var err error
	for i := 0; i < attempts; i++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err = handler(stepCtx, o, step)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	record.Output = output
	record.EndTime = o.now()
	if err != nil {
		record.Error = err.Error()
		o.logger.Warn("recovery step failed",
			slog.String("phase", phase),
			slog.String("type", step.Type),
			slog.String("target", step.Target),
			slog.Any("error", err),
		)
		return record
	}

	if step.SuccessCondition != "" {
		ok, condErr := o.checkCondition(ctx, step.SuccessCondition)
		if condErr != nil {
			record.Error = condErr.Error()
			return record
		}
		if !ok {
			record.Error = fmt.Sprintf("success condition %q not met", step.SuccessCondition)
			return record
		}
	}

	record.Status = "success"
	return record
}

func (o *Orchestrator) checkCondition(ctx context.Context, expr string) (bool, error) {
	cond, err := models.ParseCondition(expr)
	if err != nil {
		return false, err
	}
	current, err := o.metricSource.LatestMetric(ctx, cond.Metric)
	if err != nil {
		return false, fmt.Errorf("read metric %s: %w", cond.Metric, err)
	}
	return cond.Eval(current), nil
}

// validate re-checks the alert's own triggering condition after stabilization.
// Resolution holds when the inverted comparison is true for the fresh value.
func (o *Orchestrator) validate(ctx context.Context, alert models.Alert) (models.ValidationOutcome, error) {
	outcome := models.ValidationOutcome{}

	if alert.MetricName == "" || alert.ComparisonOperator == "" {
		// Nothing measurable to re-check; treat completed steps as resolution.
		outcome.Resolved = true
		outcome.Improvements = append(outcome.Improvements, "remediation steps completed")
		return outcome, nil
	}

	current, err := o.metricSource.LatestMetric(ctx, alert.MetricName)
	if err != nil {
		return outcome, fmt.Errorf("validation read %s: %w", alert.MetricName, err)
	}

	opposite := models.OppositeOperator(alert.ComparisonOperator)
	if opposite == "" {
		return outcome, fmt.Errorf("alert %s has unknown comparison operator %q", alert.ID, alert.ComparisonOperator)
	}

	if models.Compare(current, alert.ThresholdValue, opposite) {
		outcome.Resolved = true
		outcome.Improvements = append(outcome.Improvements,
			fmt.Sprintf("%s now %.2f (threshold %.2f)", alert.MetricName, current, alert.ThresholdValue))
	} else {
		outcome.RemainingIssues = append(outcome.RemainingIssues,
			fmt.Sprintf("%s still %.2f (threshold %.2f)", alert.MetricName, current, alert.ThresholdValue))
	}
	return outcome, nil
}

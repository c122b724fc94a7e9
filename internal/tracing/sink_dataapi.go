package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	rdsdatatypes "github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/rs/zerolog/log"
)

// DataAPI is the subset of the RDS Data API client the sink uses.
type DataAPI interface {
	BeginTransaction(ctx context.Context, in *rdsdata.BeginTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BeginTransactionOutput, error)
	BatchExecuteStatement(ctx context.Context, in *rdsdata.BatchExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BatchExecuteStatementOutput, error)
	CommitTransaction(ctx context.Context, in *rdsdata.CommitTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.CommitTransactionOutput, error)
	RollbackTransaction(ctx context.Context, in *rdsdata.RollbackTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.RollbackTransactionOutput, error)
}

const dataAPITraceSQL = `INSERT INTO traces (id, project_id, request_id, status, input, tags, started_at, ended_at, duration_ms)
	VALUES (:id, :project_id, NULLIF(:request_id, ''), :status, :input::jsonb, COALESCE(:tags::text[], '{}'), :started_at::timestamptz, :ended_at::timestamptz, :duration_ms)
	ON CONFLICT (id) DO UPDATE SET
		project_id = COALESCE(NULLIF(EXCLUDED.project_id, ''), traces.project_id),
		request_id = COALESCE(EXCLUDED.request_id, traces.request_id),
		status = CASE WHEN EXCLUDED.status = 'running' AND traces.status <> 'running' THEN traces.status ELSE EXCLUDED.status END,
		input = COALESCE(EXCLUDED.input, traces.input),
		tags = CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE traces.tags END,
		started_at = COALESCE(EXCLUDED.started_at, traces.started_at),
		ended_at = COALESCE(EXCLUDED.ended_at, traces.ended_at),
		duration_ms = COALESCE(EXCLUDED.duration_ms, traces.duration_ms),
		updated_at = NOW()`

const dataAPISpanSQL = `INSERT INTO spans (id, trace_id, parent_span_id, kind, name, platform, attempt, max_attempts, attrs, status, started_at)
	VALUES (:id, :trace_id, NULLIF(:parent_span_id, ''), :kind, :name, NULLIF(:platform, ''), :attempt, NULLIF(:max_attempts, 0), :attrs::jsonb, :status, :started_at::timestamptz)
	ON CONFLICT (id) DO NOTHING`

const dataAPISpanEndSQL = `UPDATE spans SET
		status = :status, ended_at = :ended_at::timestamptz, duration_ms = :duration_ms, error = :error::jsonb,
		attrs = COALESCE(attrs, '{}'::jsonb) || COALESCE(:attrs::jsonb, '{}'::jsonb)
	WHERE id = :id AND status = 'running'`

const dataAPIEventSQL = `INSERT INTO events (id, trace_id, span_id, ts, level, name, data, emitter_id, seq)
	VALUES (:id, :trace_id, NULLIF(:span_id, ''), :ts::timestamptz, :level, :name, :data::jsonb, :emitter_id, :seq)
	ON CONFLICT (id) DO NOTHING`

// DataAPISink writes batches through the Aurora Data API, one transaction
// per batch. It serves deployments where the worker has no direct network
// path to the database.
type DataAPISink struct {
	client     DataAPI
	clusterARN string
	secretARN  string
	database   string
}

func NewDataAPISink(client DataAPI, clusterARN, secretARN, database string) *DataAPISink {
	return &DataAPISink{
		client:     client,
		clusterARN: clusterARN,
		secretARN:  secretARN,
		database:   database,
	}
}

func (s *DataAPISink) Write(ctx context.Context, stage Stage, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	sql, sets, err := dataAPIParams(stage, batch)
	if err != nil {
		return err
	}

	tx, err := s.client.BeginTransaction(ctx, &rdsdata.BeginTransactionInput{
		ResourceArn: aws.String(s.clusterARN),
		SecretArn:   aws.String(s.secretARN),
		Database:    aws.String(s.database),
	})
	if err != nil {
		return fmt.Errorf("tracing: begin %s transaction: %w", stage, err)
	}

	_, err = s.client.BatchExecuteStatement(ctx, &rdsdata.BatchExecuteStatementInput{
		ResourceArn:   aws.String(s.clusterARN),
		SecretArn:     aws.String(s.secretARN),
		Database:      aws.String(s.database),
		Sql:           aws.String(sql),
		ParameterSets: sets,
		TransactionId: tx.TransactionId,
	})
	if err != nil {
		if _, rbErr := s.client.RollbackTransaction(ctx, &rdsdata.RollbackTransactionInput{
			ResourceArn:   aws.String(s.clusterARN),
			SecretArn:     aws.String(s.secretARN),
			TransactionId: tx.TransactionId,
		}); rbErr != nil {
			log.Warn().Err(rbErr).Str("stage", stage.String()).Msg("Data API rollback failed")
		}
		return fmt.Errorf("tracing: write %s: %w", stage, err)
	}

	if _, err := s.client.CommitTransaction(ctx, &rdsdata.CommitTransactionInput{
		ResourceArn:   aws.String(s.clusterARN),
		SecretArn:     aws.String(s.secretARN),
		TransactionId: tx.TransactionId,
	}); err != nil {
		return fmt.Errorf("tracing: commit %s: %w", stage, err)
	}
	return nil
}

// dataAPIParams builds the statement and one parameter set per record. Every
// record in a batch shares a stage and therefore a statement.
func dataAPIParams(stage Stage, batch []Record) (string, [][]rdsdatatypes.SqlParameter, error) {
	sets := make([][]rdsdatatypes.SqlParameter, 0, len(batch))
	var sql string
	for _, rec := range batch {
		var params []rdsdatatypes.SqlParameter
		switch r := rec.(type) {
		case TraceRecord:
			sql = dataAPITraceSQL
			var duration rdsdatatypes.Field = &rdsdatatypes.FieldMemberIsNull{Value: true}
			if !r.EndedAt.IsZero() {
				duration = &rdsdatatypes.FieldMemberLongValue{Value: r.DurationMs}
			}
			var tags rdsdatatypes.Field = &rdsdatatypes.FieldMemberIsNull{Value: true}
			if len(r.Tags) > 0 {
				tags = &rdsdatatypes.FieldMemberStringValue{Value: formatTextArray(r.Tags)}
			}
			params = []rdsdatatypes.SqlParameter{
				stringParam("id", r.TraceID),
				stringParam("project_id", r.ProjectID),
				stringParam("request_id", r.RequestID),
				stringParam("status", string(r.Status)),
				rawJSONParam("input", r.Input),
				{Name: aws.String("tags"), Value: tags},
				timeParam("started_at", r.StartedAt),
				timeParam("ended_at", r.EndedAt),
				{Name: aws.String("duration_ms"), Value: duration},
			}
		case SpanRecord:
			sql = dataAPISpanSQL
			attrs, err := jsonParam("attrs", r.Attrs)
			if err != nil {
				return "", nil, err
			}
			params = []rdsdatatypes.SqlParameter{
				stringParam("id", r.ID),
				stringParam("trace_id", r.TraceID),
				stringParam("parent_span_id", r.ParentID),
				stringParam("kind", string(r.Kind)),
				stringParam("name", r.Name),
				stringParam("platform", r.Platform),
				longParam("attempt", int64(r.Attempt)),
				longParam("max_attempts", int64(r.MaxAttempts)),
				attrs,
				stringParam("status", string(r.Status)),
				timeParam("started_at", r.StartedAt),
			}
		case SpanEndRecord:
			sql = dataAPISpanEndSQL
			attrs, err := jsonParam("attrs", r.Attrs)
			if err != nil {
				return "", nil, err
			}
			detail, err := jsonParam("error", r.Error)
			if err != nil {
				return "", nil, err
			}
			params = []rdsdatatypes.SqlParameter{
				stringParam("id", r.SpanID),
				stringParam("status", string(r.Status)),
				timeParam("ended_at", r.EndedAt),
				longParam("duration_ms", r.DurationMs),
				detail,
				attrs,
			}
		case EventRecord:
			sql = dataAPIEventSQL
			data, err := jsonParam("data", r.Data)
			if err != nil {
				return "", nil, err
			}
			params = []rdsdatatypes.SqlParameter{
				stringParam("id", r.ID),
				stringParam("trace_id", r.TraceID),
				stringParam("span_id", r.SpanID),
				timeParam("ts", r.Timestamp),
				stringParam("level", string(r.Level)),
				stringParam("name", r.Name),
				data,
				stringParam("emitter_id", r.EmitterID),
				longParam("seq", int64(r.Seq)),
			}
		default:
			return "", nil, fmt.Errorf("tracing: unexpected record %T in %s stage", rec, stage)
		}
		sets = append(sets, params)
	}
	return sql, sets, nil
}

func stringParam(name, v string) rdsdatatypes.SqlParameter {
	return rdsdatatypes.SqlParameter{Name: aws.String(name), Value: &rdsdatatypes.FieldMemberStringValue{Value: v}}
}

func longParam(name string, v int64) rdsdatatypes.SqlParameter {
	return rdsdatatypes.SqlParameter{Name: aws.String(name), Value: &rdsdatatypes.FieldMemberLongValue{Value: v}}
}

const dataAPITimeLayout = "2006-01-02 15:04:05.000"

func timeParam(name string, t time.Time) rdsdatatypes.SqlParameter {
	if t.IsZero() {
		return rdsdatatypes.SqlParameter{Name: aws.String(name), Value: &rdsdatatypes.FieldMemberIsNull{Value: true}}
	}
	return rdsdatatypes.SqlParameter{
		Name:     aws.String(name),
		Value:    &rdsdatatypes.FieldMemberStringValue{Value: t.UTC().Format(dataAPITimeLayout)},
		TypeHint: rdsdatatypes.TypeHintTimestamp,
	}
}

func rawJSONParam(name string, raw json.RawMessage) rdsdatatypes.SqlParameter {
	if len(raw) == 0 {
		return rdsdatatypes.SqlParameter{Name: aws.String(name), Value: &rdsdatatypes.FieldMemberIsNull{Value: true}}
	}
	return rdsdatatypes.SqlParameter{
		Name:     aws.String(name),
		Value:    &rdsdatatypes.FieldMemberStringValue{Value: string(raw)},
		TypeHint: rdsdatatypes.TypeHintJson,
	}
}

func jsonParam[T any](name string, v T) (rdsdatatypes.SqlParameter, error) {
	encoded, err := nullJSON(v)
	if err != nil {
		return rdsdatatypes.SqlParameter{}, err
	}
	if encoded == nil {
		return rdsdatatypes.SqlParameter{Name: aws.String(name), Value: &rdsdatatypes.FieldMemberIsNull{Value: true}}, nil
	}
	return rawJSONParam(name, json.RawMessage(encoded.(string))), nil
}

// formatTextArray renders a Postgres text[] literal.
func formatTextArray(arr []string) string {
	escaped := make([]string, len(arr))
	for i, s := range arr {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

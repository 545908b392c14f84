package prescription

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service generates prescriptions from the currently loaded Predictor.
// Generate is safe for concurrent use; Swap replaces the Predictor without
// affecting calls already in flight.
type Service struct {
	current     atomic.Pointer[Predictor]
	precautions PrecautionTable
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewService creates a service around an initial predictor
func NewService(p *Predictor, precautions PrecautionTable, logger *zap.Logger) (*Service, error) {
	if p == nil {
		return nil, errors.New("initial predictor is required")
	}
	if precautions == nil {
		precautions = DefaultPrecautions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		precautions: precautions,
		logger:      logger,
		tracer:      otel.Tracer("prescription-service"),
	}
	s.current.Store(p)
	return s, nil
}

// Generate runs the full pipeline for one input. It returns either a
// complete Result or an error.
func (s *Service) Generate(ctx context.Context, in Input) (*Result, error) {
	return s.generate(ctx, s.current.Load(), in)
}

// Prescribe generates a result and wraps it in a new Record stamped with the
// version of the model that produced it.
func (s *Service) Prescribe(ctx context.Context, patientID, patientName string, in Input) (*Record, error) {
	p := s.current.Load()
	res, err := s.generate(ctx, p, in)
	if err != nil {
		return nil, err
	}
	return NewRecord(patientID, patientName, in, *res, p.info.Version), nil
}

func (s *Service) generate(ctx context.Context, p *Predictor, in Input) (*Result, error) {
	_, span := s.tracer.Start(ctx, "generate_prescription",
		trace.WithAttributes(
			attribute.String("model_version", p.info.Version),
			attribute.String("disease", string(in.Disease)),
			attribute.String("severity", string(in.Severity)),
		))
	defer span.End()

	drug, err := p.PredictDrug(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
		return nil, err
	}

	result := &Result{
		Drug:       drug,
		DosageMg:   ComputeDosage(in.Severity, in.Weight),
		Precaution: s.precautions.Lookup(string(in.Disease), in.Age),
	}

	span.SetAttributes(
		attribute.String("drug", result.Drug),
		attribute.Int("dosage_mg", result.DosageMg),
	)
	return result, nil
}

// Swap publishes a new predictor and returns the previous one.
func (s *Service) Swap(p *Predictor) (*Predictor, error) {
	if p == nil {
		return nil, errors.New("predictor is required")
	}
	old := s.current.Swap(p)
	s.logger.Info("predictor swapped",
		zap.String("previous_version", old.info.Version),
		zap.String("version", p.info.Version),
	)
	return old, nil
}

// Predictor returns the predictor new calls will use
func (s *Service) Predictor() *Predictor { return s.current.Load() }

// Catalog returns the categorical values accepted by the current predictor
func (s *Service) Catalog() Catalog { return s.current.Load().Catalog() }

// Info returns metadata for the current predictor
func (s *Service) Info() ModelInfo { return s.current.Load().info }

// Precautions returns the precaution table in use
func (s *Service) Precautions() PrecautionTable { return s.precautions }

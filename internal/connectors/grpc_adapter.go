package connectors

/*
Файл grpc_adapter.go — адаптеры к внешним сервисам отпечатков и детекции модели.
Контракт нетипизированный: запрос и ответ — google.protobuf.Struct, поэтому
сгенерированные стабы не нужны, вызов идет через ClientConn.Invoke.
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodGenerateFingerprint = "/verifier.collab.v1.FingerprintService/Generate"
	MethodDetectModel         = "/verifier.collab.v1.ModelDetectionService/Detect"
)

// Invoker - минимальная часть *grpc.ClientConn
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

type GRPCFingerprinter struct {
	conn  Invoker
	guard *ReliabilityWrapper
}

func NewGRPCFingerprinter(conn Invoker, guard *ReliabilityWrapper) *GRPCFingerprinter {
	return &GRPCFingerprinter{conn: conn, guard: guard}
}

// GenerateFingerprint отправляет тройки пройденных челленджей
func (a *GRPCFingerprinter) GenerateFingerprint(ctx context.Context, agentID string, samples []domain.FingerprintSample) error {
	items := make([]any, 0, len(samples))
	for _, s := range samples {
		items = append(items, map[string]any{
			"challenge_type": s.ChallengeType,
			"prompt":         s.Prompt,
			"response":       s.Response,
		})
	}

	req, err := structpb.NewStruct(map[string]any{
		"agent_id": agentID,
		"samples":  items,
		"source":   "verifier",
	})
	if err != nil {
		return fmt.Errorf("failed to create proto struct: %w", err)
	}

	return a.guard.Do(ctx, func(ctx context.Context) error {
		var resp structpb.Struct
		if err := a.conn.Invoke(ctx, MethodGenerateFingerprint, req, &resp); err != nil {
			return fmt.Errorf("fingerprint call failed: %w", err)
		}
		return statusFromStruct(&resp)
	})
}

type GRPCModelDetector struct {
	conn  Invoker
	guard *ReliabilityWrapper
}

func NewGRPCModelDetector(conn Invoker, guard *ReliabilityWrapper) *GRPCModelDetector {
	return &GRPCModelDetector{conn: conn, guard: guard}
}

// DetectModel - лучшая догадка о модели по текстам ответов и заявленной модели
func (a *GRPCModelDetector) DetectModel(ctx context.Context, responses []string, claimedModel string) (domain.ModelDetection, error) {
	texts := make([]any, len(responses))
	for i, r := range responses {
		texts[i] = r
	}
	req, err := structpb.NewStruct(map[string]any{
		"responses":     texts,
		"claimed_model": claimedModel,
	})
	if err != nil {
		return domain.ModelDetection{}, fmt.Errorf("failed to create proto struct: %w", err)
	}

	var out domain.ModelDetection
	err = a.guard.Do(ctx, func(ctx context.Context) error {
		var resp structpb.Struct
		if err := a.conn.Invoke(ctx, MethodDetectModel, req, &resp); err != nil {
			return fmt.Errorf("model detection call failed: %w", err)
		}
		if err := statusFromStruct(&resp); err != nil {
			return err
		}
		m := resp.AsMap()
		out.Model, _ = m["model"].(string)
		out.Confidence, _ = m["confidence"].(float64)
		out.Matched, _ = m["matched"].(bool)
		return nil
	})
	return out, err
}

// statusFromStruct - ошибка, сообщенная сервисом внутри ответа
func statusFromStruct(s *structpb.Struct) error {
	m := s.AsMap()
	code, _ := m["status_code"].(float64)
	if code == 0 {
		return nil
	}
	msg, _ := m["error_message"].(string)
	return &StatusError{Code: int(code), Body: msg}
}

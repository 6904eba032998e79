package tools_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/tools"
)

func abcRegistry() *tools.Registry {
	return tools.NewRegistry(tools.Contract{
		Action:     "demo.run",
		MultiTurn:  true,
		AskMessage: "I need",
		Fields: []tools.Field{
			{Name: "a", Type: "integer", Required: true},
			{Name: "b", Type: "integer", Required: true, Question: "What is b?"},
			{Name: "c", Type: "integer", Required: true},
			{Name: "note", Type: "string"},
		},
	})
}

func TestResolveSlotFilling(t *testing.T) {
	reg := abcRegistry()
	c, ok := reg.Get("demo.run")
	require.True(t, ok)

	var calls atomic.Int32
	exec := tools.NewExecutor(reg, tools.WithBackend("demo", tools.FuncBackend(
		func(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"sum": req.Payload["a"].(int64) + req.Payload["b"].(int64) + req.Payload["c"].(int64)}, nil
		})))

	session := core.NewSession("u1")
	session.Merge(map[string]any{"a": "1"})
	res := tools.Resolve(c, session.PartialPayload)
	assert.False(t, res.Ready)
	assert.Equal(t, []string{"b", "c"}, res.Missing)

	result := exec.Execute(context.Background(), core.ActionRequest{Action: "demo.run", Payload: session.PartialPayload})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"b", "c"}, result.MissingFields)
	assert.Equal(t, "I need b, c. What is b?", result.Error)
	assert.Zero(t, calls.Load())

	session.Merge(map[string]any{"b": "2"})
	session.Merge(map[string]any{"c": "3", "a": ""})
	res = tools.Resolve(c, session.PartialPayload)
	assert.True(t, res.Ready)
	assert.Empty(t, res.Missing)

	result = exec.Execute(context.Background(), core.ActionRequest{Action: "demo.run", Payload: session.PartialPayload})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, int64(6), result.Data["sum"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveTreatsBlankAsMissing(t *testing.T) {
	c, _ := abcRegistry().Get("demo.run")
	res := tools.Resolve(c, map[string]any{"a": " ", "b": []any{}, "c": nil})
	assert.Equal(t, []string{"a", "b", "c"}, res.Missing)

	_, err := abcRegistry().Resolve("nope", nil)
	assert.ErrorIs(t, err, tools.ErrUnknownAction)
}

func TestDefaultRegistry(t *testing.T) {
	reg := tools.DefaultRegistry()
	assert.Equal(t, []string{"calculator", "property.add", "property.delete", "property.search", "property.update", "weather"}, reg.Actions())

	add, ok := reg.Get("property.add")
	require.True(t, ok)
	assert.True(t, add.MultiTurn)
	assert.Equal(t, "property", add.Tool())
	assert.Equal(t, []string{"title", "city", "locality", "purpose", "price", "is_legal", "owner_name", "contact_phone"}, add.Required())

	search, _ := reg.Get("property.search")
	assert.Equal(t, []string{"city", "purpose", "budget"}, search.Required())

	calc, _ := reg.Get("calculator")
	assert.Equal(t, "calculator", calc.Tool())
	assert.False(t, calc.MultiTurn)
}

func TestParseContractsRejectsGarbage(t *testing.T) {
	_, err := tools.ParseContracts([]byte("- action: [unclosed"))
	assert.ErrorIs(t, err, tools.ErrInvalidContract)

	_, err = tools.ParseContracts([]byte("- description: no action"))
	assert.ErrorIs(t, err, tools.ErrInvalidContract)
}

func TestCoerce(t *testing.T) {
	c, _ := tools.DefaultRegistry().Get("property.add")
	out := c.Coerce(map[string]any{
		"price":    "1,500",
		"is_legal": "Yes",
		"purpose":  "RENT",
		"bhk":      "2",
		"unknown":  "dropped",
		"title":    "",
	})
	assert.Equal(t, map[string]any{
		"price":    1500.0,
		"is_legal": true,
		"purpose":  "rent",
		"bhk":      int64(2),
	}, out)
}

func TestParseFields(t *testing.T) {
	c, _ := tools.DefaultRegistry().Get("property.search")
	got := tools.ParseFields(c, "City: Pune, budget = 25,000\npurpose: Buy; colour: red")
	assert.Equal(t, map[string]any{"city": "Pune", "budget": 25000.0, "purpose": "buy"}, got)

	assert.Empty(t, tools.ParseFields(c, "just some words"))
}

func TestExecuteUnknownAndNoBackend(t *testing.T) {
	exec := tools.NewExecutor(tools.DefaultRegistry())

	result := exec.Execute(context.Background(), core.ActionRequest{Action: "teleport"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown action")

	result = exec.Execute(context.Background(), core.ActionRequest{Action: "weather", Payload: map[string]any{"city": "Oslo"}})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no backend")
}

func TestExecuteRecoversPanicsAndObserves(t *testing.T) {
	var outcomes []tools.Outcome
	exec := tools.NewExecutor(tools.DefaultRegistry(),
		tools.WithBackend("weather", tools.FuncBackend(func(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
			panic("boom")
		})),
		tools.WithObserver(func(action string, outcome tools.Outcome, elapsed time.Duration) {
			outcomes = append(outcomes, outcome)
		}),
	)

	result := exec.Execute(context.Background(), core.ActionRequest{Action: "weather", Payload: map[string]any{"city": "Oslo"}})
	assert.False(t, result.Success)
	assert.Equal(t, []tools.Outcome{tools.OutcomeFailed}, outcomes)
}

func TestExecuteTimeout(t *testing.T) {
	exec := tools.NewExecutor(tools.DefaultRegistry(),
		tools.WithTimeout(20*time.Millisecond),
		tools.WithBackend("weather", tools.FuncBackend(func(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})),
	)
	result := exec.Execute(context.Background(), core.ActionRequest{Action: "weather", Payload: map[string]any{"city": "Oslo"}})
	assert.False(t, result.Success)
	assert.Equal(t, "the weather service timed out", result.Error)
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		expr    string
		want    float64
		wantErr bool
	}{
		{"(2 + 3) * 4", 20, false},
		{"7 / 2", 3.5, false},
		{"-1.5 + 2", 0.5, false},
		{"10 % 3", 1, false},
		{"1 / 0", 0, true},
		{"os.Exit(1)", 0, true},
		{"2 +", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := tools.Evaluate(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	exec := tools.NewExecutor(tools.DefaultRegistry())
	result := exec.Execute(context.Background(), core.ActionRequest{Action: "calculator", Payload: map[string]any{"expression": "6*7"}})
	require.True(t, result.Success)
	assert.Equal(t, 42.0, result.Data["result"])
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/property/search":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Pune", body["city"])
			json.NewEncoder(w).Encode(map[string]any{"results": []any{"flat 1"}})
		case "/weather":
			json.NewEncoder(w).Encode([]any{1, 2})
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	backend := tools.NewHTTPBackend(srv.URL+"/", time.Second)
	exec := tools.NewExecutor(tools.DefaultRegistry(),
		tools.WithBackend("property", backend),
		tools.WithBackend("weather", backend))
	ctx := context.Background()

	result := exec.Execute(ctx, core.ActionRequest{
		Action:    "property.search",
		Payload:   map[string]any{"city": "Pune", "purpose": "rent", "budget": "20000"},
		AuthToken: "tok",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []any{"flat 1"}, result.Data["results"])

	result = exec.Execute(ctx, core.ActionRequest{Action: "weather", Payload: map[string]any{"city": "Pune"}})
	require.True(t, result.Success)
	assert.Equal(t, []any{1.0, 2.0}, result.Data["result"])

	result = exec.Execute(ctx, core.ActionRequest{Action: "property.delete", Payload: map[string]any{"property_id": "p1"}})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "property failed")
}

type toolService struct{}

func TestGRPCBackend(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "assistant.tools.v1.ToolService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Execute",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				md, _ := metadata.FromIncomingContext(ctx)
				payload := in.Fields["payload"].GetStructValue()
				return structpb.NewStruct(map[string]any{
					"action": in.Fields["action"].GetStringValue(),
					"city":   payload.Fields["city"].GetStringValue(),
					"auth":   md.Get("authorization")[0],
				})
			},
		}},
	}, toolService{})
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	exec := tools.NewExecutor(tools.DefaultRegistry(), tools.WithBackend("weather", tools.NewGRPCBackend(conn, "")))
	result := exec.Execute(context.Background(), core.ActionRequest{
		Action:    "weather",
		Payload:   map[string]any{"city": "Oslo"},
		AuthToken: "tok",
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, map[string]any{"action": "weather", "city": "Oslo", "auth": "Bearer tok"}, result.Data)
}

func TestDescribe(t *testing.T) {
	defs := tools.DefaultRegistry().Describe()
	require.Len(t, defs, 6)
	assert.Equal(t, "calculator", defs[0].Name)

	var add tools.Definition
	for _, d := range defs {
		if d.Name == "property.add" {
			add = d
		}
	}
	props := add.InputSchema["properties"].(map[string]any)
	assert.Contains(t, props, "thought")
	assert.Equal(t, []string{"rent", "buy"}, props["purpose"].(map[string]any)["enum"])
	assert.Equal(t, "boolean", props["is_legal"].(map[string]any)["type"])
	assert.Contains(t, add.InputSchema["required"], "owner_name")
}

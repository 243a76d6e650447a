package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/cuongbtq/queue-worker/shared/broker/brokertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct {
	greeted *[]string
}

func (g *greeter) Perform(ctx context.Context, job Context, args domain.Args) error {
	var name string
	var times int
	if err := args.Bind(&name, &times); err != nil {
		return err
	}
	for i := 0; i < times; i++ {
		*g.greeted = append(*g.greeted, name)
	}
	return nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("B", func(ctx context.Context, job Context, args domain.Args) error { return nil })
	reg.Register("A", func() Handler { return &greeter{} })

	assert.Equal(t, []string{"A", "B"}, reg.Names())

	factory, err := reg.Lookup("A")
	require.NoError(t, err)
	assert.IsType(t, &greeter{}, factory())

	_, err = reg.Lookup("C")
	assert.ErrorIs(t, err, domain.ErrHandlerNotFound)
	assert.Contains(t, err.Error(), `"C"`)
}

func TestInvoker_Invoke(t *testing.T) {
	var greeted []string

	reg := NewRegistry()
	reg.Register("Greeter", func() Handler { return &greeter{greeted: &greeted} })
	reg.RegisterFunc("Fail", func(ctx context.Context, job Context, args domain.Args) error {
		return errors.New("boom")
	})
	reg.RegisterFunc("Panic", func(ctx context.Context, job Context, args domain.Args) error {
		panic("kaboom")
	})
	reg.Register("Nil", func() Handler { return nil })

	invoker := NewInvoker(reg, brokertest.NewMemory())

	tests := []struct {
		name    string
		payload string
		wantErr error
		errText string
	}{
		{
			name:    "success",
			payload: `{"klass":"Greeter","args":["bob",2]}`,
		},
		{
			name:    "handler error",
			payload: `{"klass":"Fail","args":[]}`,
			errText: "boom",
		},
		{
			name:    "panic",
			payload: `{"klass":"Panic","args":[]}`,
			errText: "panic: kaboom",
		},
		{
			name:    "unknown handler",
			payload: `{"klass":"Nope","args":[]}`,
			wantErr: domain.ErrHandlerNotFound,
		},
		{
			name:    "invalid payload",
			payload: `not json`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "wrong argument type",
			payload: `{"klass":"Greeter","args":[1,"x"]}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "nil handler",
			payload: `{"klass":"Nil","args":[]}`,
			errText: "nil handler",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoker.Invoke(context.Background(), broker.Job{Queue: "q", ID: "D-1", Payload: []byte(tt.payload)})
			if tt.wantErr == nil && tt.errText == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)

			var herr *domain.HandlerError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, "D-1", herr.JobID)
			assert.Equal(t, domain.KindHandler, domain.Classify(err))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}

	assert.Equal(t, []string{"bob", "bob"}, greeted)
}

func TestInvoker_JobContext(t *testing.T) {
	mem := brokertest.NewMemory()
	payload, err := domain.EncodePayload("Inspect", nil)
	require.NoError(t, err)
	id, err := mem.Push(context.Background(), "reports", payload, broker.PushOptions{Retry: 45})
	require.NoError(t, err)

	var (
		queue, jobID string
		lease        time.Duration
	)
	reg := NewRegistry()
	reg.RegisterFunc("Inspect", func(ctx context.Context, job Context, args domain.Args) error {
		queue, jobID = job.Queue(), job.JobID()
		var err error
		lease, err = job.Working(ctx)
		return err
	})

	err = NewInvoker(reg, mem).Invoke(context.Background(), broker.Job{Queue: "reports", ID: id, Payload: payload})
	require.NoError(t, err)

	assert.Equal(t, "reports", queue)
	assert.Equal(t, id, jobID)
	assert.Equal(t, 45*time.Second, lease)
}

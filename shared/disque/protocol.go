package disque

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/redis/go-redis/v9"
)

func getJobArgs(queues []string, count int, wait time.Duration) []any {
	// TIMEOUT 0 blocks forever
	timeout := max(wait.Milliseconds(), 1)
	count = max(count, 1)

	args := make([]any, 0, len(queues)+6)
	args = append(args, "GETJOB", "TIMEOUT", timeout, "COUNT", count, "FROM")
	for _, q := range queues {
		args = append(args, q)
	}
	return args
}

func addJobArgs(queue string, payload []byte, opts broker.PushOptions) []any {
	args := []any{"ADDJOB", queue, string(payload), opts.TimeoutMs}

	if opts.Replicate > 0 {
		args = append(args, "REPLICATE", opts.Replicate)
	}
	if opts.Delay > 0 {
		args = append(args, "DELAY", opts.Delay)
	}
	if opts.Retry > 0 {
		args = append(args, "RETRY", opts.Retry)
	}
	if opts.TTL > 0 {
		args = append(args, "TTL", opts.TTL)
	}
	if opts.MaxLen > 0 {
		args = append(args, "MAXLEN", opts.MaxLen)
	}
	if opts.Async {
		args = append(args, "ASYNC")
	}
	return args
}

// parseJobs decodes a GETJOB reply: an array of [queue, id, body, ...]
func parseJobs(reply any) ([]broker.Job, error) {
	items, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected GETJOB reply %T", reply)
	}

	jobs := make([]broker.Job, 0, len(items))
	for i, item := range items {
		fields, ok := item.([]any)
		if !ok || len(fields) < 3 {
			return nil, fmt.Errorf("unexpected GETJOB entry %d: %v", i, item)
		}

		queue, ok1 := fields[0].(string)
		id, ok2 := fields[1].(string)
		body, ok3 := fields[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("unexpected GETJOB entry %d: %v", i, item)
		}

		jobs = append(jobs, broker.Job{Queue: queue, ID: id, Payload: []byte(body)})
	}
	return jobs, nil
}

// parseShow decodes a SHOW reply: a flat list of field/value pairs
func parseShow(reply any) (map[string]any, error) {
	items, ok := reply.([]any)
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected SHOW reply %v", reply)
	}

	info := make(map[string]any, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		key, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected SHOW field %v", items[i])
		}
		info[key] = items[i+1]
	}
	return info, nil
}

// go-redis reports an exhausted pool with this message
const poolTimeoutMessage = "redis: connection pool timeout"

// classify maps transport failures to broker.ErrUnavailable and MAXLEN
// refusals to broker.ErrQueueFull. Other server errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		if strings.HasPrefix(rerr.Error(), "MAXLEN") {
			return fmt.Errorf("%w: %v", broker.ErrQueueFull, err)
		}
		if strings.HasPrefix(rerr.Error(), "LOADING") {
			return broker.Unavailable(err)
		}
		return err
	}

	if errors.Is(err, redis.ErrClosed) || err.Error() == poolTimeoutMessage || broker.IsConnectionError(err) {
		return broker.Unavailable(err)
	}
	return err
}

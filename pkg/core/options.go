package core

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Options configures a job run. Durations are expressed in seconds.
type Options struct {
	// Max bounds concurrently running instances per process.
	Max int `mapstructure:"max" yaml:"max"`
	// Take is the number of input units handed to one instance.
	Take int `mapstructure:"take" yaml:"take"`
	// Retries is the number of retries allowed per distinct input batch.
	// A negative value disables the limit.
	Retries int `mapstructure:"retries" yaml:"retries"`
	// Timeout is the per-instance budget; zero disables it.
	Timeout float64 `mapstructure:"timeout" yaml:"timeout"`
	// GlobalTimeout is the budget for the whole job; zero disables it.
	GlobalTimeout float64 `mapstructure:"global_timeout" yaml:"global_timeout"`
	// Fork is the number of worker processes; zero runs in-process.
	Fork int `mapstructure:"fork" yaml:"fork"`
	// Flatten splits collection results into separate output units.
	Flatten bool `mapstructure:"flatten" yaml:"flatten"`
	// WorkerInputMult scales how much input is pre-pulled per worker.
	WorkerInputMult int `mapstructure:"worker_input_mult" yaml:"worker_input_mult"`
	// Limit caps the total number of units pulled from the source; zero is unlimited.
	Limit int `mapstructure:"limit" yaml:"limit"`
	// Wait delays recycling a settled instance.
	Wait float64 `mapstructure:"wait" yaml:"wait"`
	// Recurse expands directory units into their entries.
	Recurse bool `mapstructure:"recurse" yaml:"recurse"`
	// CompletePoll is the completion predicate polling interval.
	CompletePoll float64 `mapstructure:"complete_poll" yaml:"complete_poll"`
	// Benchmark logs throughput statistics when the job completes.
	Benchmark bool `mapstructure:"benchmark" yaml:"benchmark"`
	// Args are job specific positional arguments.
	Args []string `mapstructure:"args" yaml:"args"`
}

func DefaultOptions() Options {
	return Options{
		Max:             1,
		Take:            1,
		Retries:         2,
		Flatten:         true,
		WorkerInputMult: 1,
		CompletePoll:    0.3,
	}
}

// Apply decodes patch on top of o. Keys use the mapstructure names above.
func (o *Options) Apply(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           o,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(patch); err != nil {
		return fmt.Errorf("invalid job options: %w", err)
	}
	return nil
}

// Map encodes o into a generic map suitable for Apply.
func (o Options) Map() (map[string]any, error) {
	out := make(map[string]any)
	if err := mapstructure.Decode(o, &out); err != nil {
		return nil, fmt.Errorf("encode job options: %w", err)
	}
	return out, nil
}

func (o Options) Validate() error {
	switch {
	case o.Max < 1:
		return fmt.Errorf("max must be at least 1, got %d", o.Max)
	case o.Take < 1:
		return fmt.Errorf("take must be at least 1, got %d", o.Take)
	case o.Fork < 0:
		return fmt.Errorf("fork must not be negative, got %d", o.Fork)
	case o.WorkerInputMult < 1:
		return fmt.Errorf("worker_input_mult must be at least 1, got %d", o.WorkerInputMult)
	case o.Timeout < 0 || o.GlobalTimeout < 0 || o.Wait < 0:
		return fmt.Errorf("timeouts must not be negative")
	case o.Limit < 0:
		return fmt.Errorf("limit must not be negative, got %d", o.Limit)
	}
	return nil
}

func (o Options) InstanceTimeout() time.Duration { return seconds(o.Timeout) }

func (o Options) JobTimeout() time.Duration { return seconds(o.GlobalTimeout) }

func (o Options) RecycleDelay() time.Duration { return seconds(o.Wait) }

func (o Options) PollInterval() time.Duration {
	if o.CompletePoll <= 0 {
		return 300 * time.Millisecond
	}
	return seconds(o.CompletePoll)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

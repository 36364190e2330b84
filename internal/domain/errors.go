package domain

import "errors"

var (
	ErrInvalidEvent      = errors.New("invalid event")
	ErrNotAdmitted       = errors.New("event not admitted by any job")
	ErrInvalidPipeline   = errors.New("invalid pipeline")
	ErrProvisioning      = errors.New("provisioning failed")
	ErrStepExecution     = errors.New("step failed")
	ErrTimeout           = errors.New("job timed out")
	ErrCacheWrite        = errors.New("cache write failed")
	ErrPublish           = errors.New("publish failed")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

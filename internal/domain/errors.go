// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrWorkflowNotFound = errors.New("closure workflow not found")
var ErrWorkflowBusy = errors.New("closure workflow is processing")
var ErrCannotCancel = errors.New("closure can no longer be cancelled")
var ErrInvalidTransition = errors.New("invalid closure workflow transition")
var ErrNothingToRetry = errors.New("closure workflow has no failed step")
var ErrAutoRetryActive = errors.New("automatic retry is enabled")
var ErrResumeInProgress = errors.New("resume already in progress for run")
var ErrAccountForbidden = errors.New("account not owned by user")
var ErrUnauthenticated = errors.New("unauthenticated")
var ErrInvalidInput = errors.New("invalid input")
var ErrStepFailed = errors.New("closure step failed")

package lifecycle

import (
	"fmt"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
)

// Both wrap prescription.ErrInvalidStatusTransition.
var (
	ErrDraftNotCancellable = fmt.Errorf("%w: a draft was never submitted and cannot be cancelled", prescription.ErrInvalidStatusTransition)
	ErrNotOnHold           = fmt.Errorf("%w: only held prescriptions can be resubmitted", prescription.ErrInvalidStatusTransition)
)

const (
	WarningInteractions      = "potential drug interactions found; prescription held for prescriber review"
	WarningInteractionCheck  = "interaction check could not be completed; prescription held for review"
	WarningSubmissionFailed  = "pharmacy network unavailable; prescription held for resubmission"
	WarningSubmissionRefused = "pharmacy network rejected the prescription; prescription held for review"
)

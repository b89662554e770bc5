package domain

import "errors"

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrStatusRegression  = errors.New("message status cannot regress")
	ErrCallNotFound      = errors.New("call not found")
	ErrCallAlreadyEnded  = errors.New("call already ended")
	ErrNotParticipant    = errors.New("user is not a call participant")
	ErrUserBusy          = errors.New("user already has a live call")
	ErrRecipientOffline  = errors.New("recipient has no live connection")
	ErrInvalidTransition = errors.New("invalid call state transition")
)

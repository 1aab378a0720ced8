package identity

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailInUse         = errors.New("email already registered")
	ErrUnknown            = errors.New("authentication failed")
	ErrOAuthRejected      = errors.New("external sign-in rejected")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("identity not found")
	ErrProfileComplete = errors.New("profile already completed")
	ErrInvalidProfile  = errors.New("invalid profile")
)

// UserMessage maps an identity error to the text shown next to the form.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.Is(err, ErrOAuthRejected):
		return "Google sign-in failed. Please try again."
	case errors.Is(err, ErrEmailInUse):
		return "This email is already in use. Try signing in."
	case errors.Is(err, ErrProfileComplete):
		return "Your profile is already complete."
	case errors.Is(err, ErrInvalidProfile):
		return "Please fill in all required fields."
	case errors.Is(err, ErrUnauthenticated):
		return "Your session has ended. Please sign in again."
	default:
		return "Something went wrong. Check your details and try again."
	}
}

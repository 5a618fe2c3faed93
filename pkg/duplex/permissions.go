package duplex

import "context"

// PermissionStatus is the OS answer for microphone access.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// PermissionResponse mirrors what mobile hosts report for a permission
// request.
type PermissionResponse struct {
	Status      PermissionStatus
	Granted     bool
	CanAskAgain bool
	// Expires is "never" for permanent grants.
	Expires string
}

// Permissions is the host collaborator that owns the permission prompt.
type Permissions interface {
	MicrophonePermission(ctx context.Context) (PermissionResponse, error)
	RequestMicrophonePermission(ctx context.Context) (PermissionResponse, error)
}

// grantedPermissions is used on hosts without a permission model.
type grantedPermissions struct{}

var granted = PermissionResponse{
	Status:      PermissionGranted,
	Granted:     true,
	CanAskAgain: true,
	Expires:     "never",
}

func (grantedPermissions) MicrophonePermission(context.Context) (PermissionResponse, error) {
	return granted, nil
}

func (grantedPermissions) RequestMicrophonePermission(context.Context) (PermissionResponse, error) {
	return granted, nil
}

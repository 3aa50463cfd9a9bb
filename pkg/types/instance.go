package types

import "time"

// InstanceRecord is the persisted view of one provisioned GPU instance.
type InstanceRecord struct {
	InstanceID       string    `json:"instanceId"`
	InstanceARN      string    `json:"instanceArn"`
	UserID           string    `json:"userId"`
	PublicIP         string    `json:"publicIp,omitempty"`
	PrivateIP        string    `json:"privateIp,omitempty"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"createdAt"`
	InstanceType     string    `json:"instanceType,omitempty"`
	AMIID            string    `json:"amiId,omitempty"`
	AvailabilityZone string    `json:"-"`
	VolumeID         string    `json:"volumeId,omitempty"`
	DCVURL           string    `json:"dcvUrl,omitempty"`

	// ExecutionID is the deployment workflow handle. It is persisted so the
	// status endpoint can describe the execution, but it must never be
	// serialized into a client-facing response.
	ExecutionID string `json:"-"`
}

// VolumeRecord describes a block volume during create/attach. Not persisted
// on its own; the final volume id lands on the InstanceRecord.
type VolumeRecord struct {
	VolumeID string `json:"volumeId"`
	State    string `json:"state"`
	SizeGiB  int32  `json:"sizeGiB"`
	Type     string `json:"type"`
}

// Session is an established remote-display session on a running instance.
type Session struct {
	Name      string `json:"sessionName"`
	URL       string `json:"url"`
	AuthToken string `json:"authToken,omitempty"`
}

// DeployRequest is the body of POST /deployInstance.
type DeployRequest struct {
	UserID       string `json:"userId"`
	AMIID        string `json:"amiId,omitempty"`
	InstanceType string `json:"instanceType,omitempty"`
}

// TerminateRequest is the body of POST /terminateInstance.
type TerminateRequest struct {
	UserID string `json:"userId"`
}

// DeployResponse acknowledges an accepted deployment request.
type DeployResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DeploymentStatus is the client-visible view of a deployment workflow.
// It intentionally has no field for the workflow execution id.
type DeploymentStatus struct {
	Status           string `json:"status"`
	DeploymentStatus string `json:"deploymentStatus,omitempty"`
	InstanceID       string `json:"instanceId,omitempty"`
	DCVURL           string `json:"dcvUrl,omitempty"`
	Message          string `json:"message"`
	Error            string `json:"error,omitempty"`
}

// StreamingLink is the response of GET /streamingLink.
type StreamingLink struct {
	URL       string `json:"url"`
	AuthToken string `json:"authToken,omitempty"`
}

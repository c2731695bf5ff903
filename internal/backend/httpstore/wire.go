// Package httpstore is a Backend that talks to a storage server over HTTP.
package httpstore

// Wire routes, shared with the storage server.
const (
	PathObjects = "/v1/objects"
	PathUploads = "/v1/uploads"
	PathDirs    = "/v1/dirs"

	HeaderAppid     = "X-Yh-Appid"
	HeaderAppuid    = "X-Yh-Appuid"
	HeaderDevid     = "X-Yh-Devid"
	HeaderSid       = "X-Yh-Sid"
	HeaderClusterid = "X-Yh-Clusterid"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeNotFound        = "not_found"
	CodeRejected        = "rejected"
	CodeSizeMismatch    = "size_mismatch"
	CodeInvalidArgument = "invalid_argument"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type BeginResponse struct {
	UploadID string `json:"upload_id"`
}

type CreateDirRequest struct {
	ParentFid string `json:"parent_fid,omitempty"`
	Name      string `json:"name"`
}

type FidResponse struct {
	Fid string `json:"fid"`
}

type URLResponse struct {
	URL string `json:"url"`
}

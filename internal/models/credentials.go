package models

// ObjectStoreCredentials is the /runner/minio response: connection settings
// for the S3-compatible store that receives transcode outputs.
type ObjectStoreCredentials struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
}

// Valid reports whether every connection field is present.
func (c ObjectStoreCredentials) Valid() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

package types

// BoundingBox is a face region in pixel units, origin at the top-left corner.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the box covers no pixels.
func (b BoundingBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Point is a landmark position in image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is the primary face returned by a detector backend for one image.
type Detection struct {
	Box        BoundingBox
	Score      float64
	Landmarks  []Point   // may be nil
	Descriptor []float64 // 128-d in the dlib model
}

// Status is the final verdict of a verification run.
type Status string

const (
	StatusVerified Status = "VERIFIED"
	StatusRejected Status = "REJECTED"
)

// VerificationResult is the output of the distance/decision step.
type VerificationResult struct {
	IsMatch      bool    `json:"isMatch"`
	FaceDistance float64 `json:"faceDistance"`
	Threshold    float64 `json:"threshold"`
	Confidence   float64 `json:"confidence"`
	Status       Status  `json:"status"`
}

// FaceCropArtifact describes a saved face crop. The pixels live in the file.
type FaceCropArtifact struct {
	Filename       string
	Coordinates    BoundingBox
	DetectionScore float64
}

// Dimensions is the width and height of an original input image.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageReport is the per-image section of a VerificationReport.
type ImageReport struct {
	Filename        string      `json:"filename"`
	FaceDetected    bool        `json:"faceDetected"`
	DetectionScore  float64     `json:"detectionScore"`
	FaceFile        string      `json:"faceFile"`
	Coordinates     BoundingBox `json:"coordinates"`
	ImageDimensions Dimensions  `json:"imageDimensions"`
}

// VerificationReport is the auditable record of one run, written once as JSON.
type VerificationReport struct {
	VerificationID  string             `json:"verificationId"`
	Timestamp       string             `json:"timestamp"`
	Result          VerificationResult `json:"result"`
	ReferenceImage  ImageReport        `json:"referenceImage"`
	QueryImage      ImageReport        `json:"queryImage"`
	OutputDirectory string             `json:"outputDirectory"`
}

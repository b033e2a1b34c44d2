package vision

import (
	"context"
	"fmt"
	"image"
	"io"
	"net"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// yunetRequest is sent to the YuNet inference service.
type yunetRequest struct {
	Height int    `msgpack:"h"`
	Width  int    `msgpack:"w"`
	Data   []byte `msgpack:"d"` // RGB uint8, row-major, shape (H, W, 3)
}

type yunetDetection struct {
	X          float32   `msgpack:"x"`
	Y          float32   `msgpack:"y"`
	Width      float32   `msgpack:"w"`
	Height     float32   `msgpack:"h"`
	Confidence float32   `msgpack:"c"`
	Landmarks  []float32 `msgpack:"l"` // right eye, left eye, nose, mouth right, mouth left as x,y pairs
}

type yunetResponse struct {
	Detections  []yunetDetection `msgpack:"detections"`
	InferenceMs float32          `msgpack:"inference_ms"`
	Error       string           `msgpack:"error"`
}

// YuNetClient talks to a YuNet detector service over a unix socket.
// It is the precise detector and provides five-point landmarks.
type YuNetClient struct {
	socketPath string
	timeout    time.Duration
}

// NewYuNetClient creates a client for the service listening on socketPath.
func NewYuNetClient(socketPath string, timeout time.Duration) *YuNetClient {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &YuNetClient{socketPath: socketPath, timeout: timeout}
}

// Ping checks that the service accepts connections.
func (c *YuNetClient) Ping() error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("yunet service unreachable: %w", err)
	}
	return conn.Close()
}

// Detect sends one frame and decodes the detections.
func (c *YuNetClient) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to yunet service: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	data, w, h, err := RGBBytes(frame)
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(yunetRequest{Height: h, Width: w, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp yunetResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("yunet service: %s", resp.Error)
	}

	origin := frame.Bounds().Min
	out := make([]Detection, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		x := float64(det.X) + float64(origin.X)
		y := float64(det.Y) + float64(origin.Y)
		d := Detection{
			Box:        Box{X1: x, Y1: y, X2: x + float64(det.Width), Y2: y + float64(det.Height)},
			Confidence: float64(det.Confidence),
		}
		if lm, ok := parseYuNetLandmarks(det.Landmarks, origin); ok {
			d.Landmarks = lm
		}
		out = append(out, d)
	}
	return out, nil
}

// parseYuNetLandmarks orders the eyes by image x so LeftEye is always the
// leftmost in the frame, independent of the model's subject-relative naming.
func parseYuNetLandmarks(flat []float32, origin image.Point) (*Landmarks, bool) {
	if len(flat) < 10 {
		return nil, false
	}
	pts := make([]Point, 5)
	for i := range pts {
		pts[i] = Point{
			X: float64(flat[i*2]) + float64(origin.X),
			Y: float64(flat[i*2+1]) + float64(origin.Y),
		}
	}

	eyes := []Point{pts[0], pts[1]}
	sort.Slice(eyes, func(i, j int) bool { return eyes[i].X < eyes[j].X })
	mouth := []Point{pts[3], pts[4]}
	sort.Slice(mouth, func(i, j int) bool { return mouth[i].X < mouth[j].X })

	return &Landmarks{
		LeftEye:    eyes[0],
		RightEye:   eyes[1],
		Nose:       pts[2],
		MouthLeft:  mouth[0],
		MouthRight: mouth[1],
	}, true
}

// Landmarks reports true.
func (c *YuNetClient) Landmarks() bool { return true }

// Close is a no-op; connections are per request.
func (c *YuNetClient) Close() error { return nil }

package bridge

import (
	"math"
	"time"
)

// ROS message type names used by the dashboard
const (
	TypePoseStamped = "geometry_msgs/PoseStamped"
	TypeTwist       = "geometry_msgs/Twist"
	TypeString      = "std_msgs/String"
	TypeOdometry    = "nav_msgs/Odometry"
)

// Time is a ROS 2 builtin_interfaces/Time
type Time struct {
	Sec     int64  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// NewTime converts t to a ROS timestamp
func NewTime(t time.Time) Time {
	return Time{Sec: t.Unix(), Nanosec: uint32(t.Nanosecond())}
}

// Time converts the ROS timestamp back to a time.Time
func (t Time) Time() time.Time {
	return time.Unix(t.Sec, int64(t.Nanosec))
}

// Header is std_msgs/Header
type Header struct {
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Vector3 is geometry_msgs/Vector3 (also used for Point)
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is geometry_msgs/Quaternion
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// QuaternionFromYaw returns the rotation of theta radians about Z
func QuaternionFromYaw(theta float64) Quaternion {
	return Quaternion{Z: math.Sin(theta / 2), W: math.Cos(theta / 2)}
}

// Yaw returns the rotation about Z in radians
func (q Quaternion) Yaw() float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// Pose is geometry_msgs/Pose
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// PoseStamped is geometry_msgs/PoseStamped
type PoseStamped struct {
	Header Header `json:"header"`
	Pose   Pose   `json:"pose"`
}

// NewPoseStamped builds a planar goal pose in frameID
func NewPoseStamped(frameID string, x, y, theta float64, stamp time.Time) PoseStamped {
	return PoseStamped{
		Header: Header{Stamp: NewTime(stamp), FrameID: frameID},
		Pose: Pose{
			Position:    Vector3{X: x, Y: y},
			Orientation: QuaternionFromYaw(theta),
		},
	}
}

// Twist is geometry_msgs/Twist
type Twist struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// NewTwist builds a planar velocity command (m/s forward, rad/s about Z)
func NewTwist(linear, angular float64) Twist {
	return Twist{Linear: Vector3{X: linear}, Angular: Vector3{Z: angular}}
}

// PoseWithCovariance is geometry_msgs/PoseWithCovariance
type PoseWithCovariance struct {
	Pose       Pose      `json:"pose"`
	Covariance []float64 `json:"covariance,omitempty"`
}

// Odometry is the pose part of nav_msgs/Odometry
type Odometry struct {
	Header       Header             `json:"header"`
	ChildFrameID string             `json:"child_frame_id"`
	Pose         PoseWithCovariance `json:"pose"`
}

package ports

import "github.com/gin-gonic/gin"

type CallHTTPHandler interface {
	InitiateCall(c *gin.Context)
	AcceptCall(c *gin.Context)
	RejectCall(c *gin.Context)
	EndCall(c *gin.Context)
	ToggleMedia(c *gin.Context)
	SwitchToVideo(c *gin.Context)
	StartScreenShare(c *gin.Context)
	StopScreenShare(c *gin.Context)
	CurrentCall(c *gin.Context)
	IncomingCalls(c *gin.Context)
}

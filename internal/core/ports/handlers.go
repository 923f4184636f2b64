package ports

import (
	"github.com/gin-gonic/gin"
)

// DAQHandler serves the acquisition and playback collaborator API.
type DAQHandler interface {
	Heatmap(c *gin.Context)
	AudioData(c *gin.Context)
	Connect(c *gin.Context)
	Disconnect(c *gin.Context)
	Status(c *gin.Context)
	SelectPixel(c *gin.Context)
	DeselectPixel(c *gin.Context)
	Play(c *gin.Context)
}

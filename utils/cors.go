package utils

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Cors opens the read only API and HTTP-FLV streams to any origin.
func Cors(r *gin.Engine) {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowHeaders = []string{"*"}
	config.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	config.ExposeHeaders = []string{"Content-Type"}
	config.MaxAge = 12 * time.Hour
	r.Use(cors.New(config))
}

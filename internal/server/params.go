package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// pathID parses a snowflake id path parameter, aborting with a
// validation error when it is missing or malformed.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	raw := c.Param(name)
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}

func parseRestaurantID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}

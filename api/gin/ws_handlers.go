package padsigngin

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/domain"
	"github.com/padsign/padsign/transport"
)

// handleTabletWS upgrades a tablet connection. The path device id is
// advisory; the connection stays pending until an authentication frame
// arrives within the grace window.
func (a *API) handleTabletWS(c *gin.Context) {
	advisoryID := c.Param("deviceId")

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("device_id", advisoryID).Msg("Tablet websocket upgrade failed")
		return
	}

	transport.ServeConn(c.Request.Context(), a.dispatcher, domain.ActorTablet, advisoryID, conn)
}

// handleWorkstationWS upgrades a workstation connection.
func (a *API) handleWorkstationWS(c *gin.Context) {
	advisoryID := c.Param("workstationId")

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("workstation_id", advisoryID).Msg("Workstation websocket upgrade failed")
		return
	}

	transport.ServeConn(c.Request.Context(), a.dispatcher, domain.ActorWorkstation, advisoryID, conn)
}

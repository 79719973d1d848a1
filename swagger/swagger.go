package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api,../internal/message --parseInternal --generatedTime=false

// @title           xatm API
// @version         0.0
// @description     xatm coordinates global transactions across pools of XA resource instances over HTTP. Applications begin, commit and roll back; resource instances connect and reply; peer domains drive branches through the domain routes.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /v1
// @schemes         http
// @accept          json
// @produce         json
// @tag.name        transaction
// @tag.description Begin, commit and roll back global transactions.
// @tag.name        resource
// @tag.description Resource instance registration, involvement and replies.
// @tag.name        domain
// @tag.description Branch operations requested by peer transaction managers.
// @tag.name        admin
// @tag.description Manager state for operators.

// Package swagger holds the go:generate hook that renders the OpenAPI document
// from handler annotations.
type Package struct{}

package main

import (
	"log"
	"net/http"

	"github.com/engineio/engineio-go/engineio"
	"github.com/julienschmidt/httprouter"
)

// Protocol test server: exposes several engine configurations under
// distinct path prefixes for conformance test suites.
func main() {
	echo := engineio.NewServer(engineio.DefaultOptions)
	echo.OnConnection(echoHandler)

	cookieOptions := engineio.DefaultOptions
	cookieOptions.Cookie = &engineio.CookieOptions{}
	cookieEcho := engineio.NewServer(cookieOptions)
	cookieEcho.OnConnection(echoHandler)

	noUpgradeOptions := engineio.DefaultOptions
	noUpgradeOptions.AllowUpgrades = false
	noUpgradeEcho := engineio.NewServer(noUpgradeOptions)
	noUpgradeEcho.OnConnection(echoHandler)

	closeServer := engineio.NewServer(engineio.DefaultOptions)
	closeServer.OnConnection(func(s *engineio.Session) { s.Close() })

	router := httprouter.New()
	router.Handler("GET", "/echo/", echo)
	router.Handler("POST", "/echo/", echo)
	router.Handler("GET", "/cookie_needed_echo/", cookieEcho)
	router.Handler("POST", "/cookie_needed_echo/", cookieEcho)
	router.Handler("GET", "/disabled_upgrade_echo/", noUpgradeEcho)
	router.Handler("POST", "/disabled_upgrade_echo/", noUpgradeEcho)
	router.Handler("GET", "/close/", closeServer)
	router.Handler("POST", "/close/", closeServer)

	log.Fatal(http.ListenAndServe(":8081", router))
}

func echoHandler(s *engineio.Session) {
	s.OnMessage(func(data []byte) {
		s.Send(data, nil, nil)
	})
}

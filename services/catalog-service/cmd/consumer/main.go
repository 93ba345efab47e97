package main

import (
	"petstore-platform/services/catalog-service/internal/handlers"
	"petstore-platform/shared/service"
)

func main() {
	service.Main(handlers.ServiceName, handlers.Consumers)
}

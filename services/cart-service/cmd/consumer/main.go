package main

import (
	"petstore-platform/services/cart-service/internal/handlers"
	"petstore-platform/shared/service"
)

func main() {
	service.Main(handlers.ServiceName, handlers.Workers)
}

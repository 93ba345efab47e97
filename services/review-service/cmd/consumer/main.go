package main

import (
	"petstore-platform/services/review-service/internal/handlers"
	"petstore-platform/shared/service"
)

func main() {
	service.Main(handlers.ServiceName, handlers.Workers)
}

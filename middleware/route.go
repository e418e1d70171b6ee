package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Routes registers handlers, putting Auth in front of the protected ones.
type Routes struct {
	R    gin.IRoutes
	Auth gin.HandlerFunc
}

// 封装 POST
func (rt Routes) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rt.R.POST(path, rt.Auth, handler)
	} else {
		rt.R.POST(path, handler)
	}
}

// 封装 GET
func (rt Routes) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rt.R.GET(path, rt.Auth, handler)
	} else {
		rt.R.GET(path, handler)
	}
}

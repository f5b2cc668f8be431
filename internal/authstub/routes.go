package authstub

// Route path constants
const (
	// Auth
	RouteAuthLogin    = "/auth/login"
	RouteTokenRefresh = "/auth/token/refresh"
	RouteProfile      = "/auth/profile"
	RouteAuthLogout   = "/auth/logout"

	// Collaborator API
	RouteCourses    = "/courses"
	RouteAILessons  = "/ai/lessons"
	RouteAdminUsers = "/admin/users"
)

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("POST "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteTokenRefresh, ChainMiddleware(s.RefreshHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteProfile, ChainMiddleware(s.ProfileHandler(), s.APIMiddleware(s.RequireAuth())...))

	s.RegisterRouteFunc("GET "+RouteCourses, ChainMiddleware(s.CoursesHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteFunc("POST "+RouteAILessons, ChainMiddleware(s.GenerateLessonHandler(), s.APIMiddleware(s.RequireAuth(), s.RequireRole(rolesTeacherOrAdmin...))...))
	s.RegisterRouteFunc("GET "+RouteAdminUsers, ChainMiddleware(s.AdminUsersHandler(), s.APIMiddleware(s.RequireAuth(), s.RequireRole(rolesAdmin...))...))
}
